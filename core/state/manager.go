package state

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"agora/native/registry"
	"agora/storage"
)

// Role names recognised by the node. Members are stored as sorted principal
// lists under the role key.
const (
	RoleArbitrator       = "ROLE_ARBITRATOR"
	RoleReputationOracle = "ROLE_REPUTATION_ORACLE"
)

// Manager mediates every read and write of node state. Keys are built from
// human-readable namespaces, hashed with keccak256, and the values RLP-encoded
// before they reach the backing database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	balancePrefix = []byte("balance/")
	rolePrefix    = []byte("role/")
	paramPrefix   = []byte("params/")
)

func balanceKey(principal string, currency registry.Currency) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(currency)+1+len(principal))
	buf = append(buf, balancePrefix...)
	buf = append(buf, currency...)
	buf = append(buf, '/')
	buf = append(buf, principal...)
	return buf
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return buf
}

// ParamStoreKey returns the raw state key for a named parameter.
func ParamStoreKey(name string) []byte {
	buf := make([]byte, len(paramPrefix)+len(name))
	copy(buf, paramPrefix)
	copy(buf[len(paramPrefix):], name)
	return buf
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// getRaw reads a hashed key, mapping a backend miss onto an empty value.
func (m *Manager) getRaw(hashed []byte) ([]byte, error) {
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before hitting the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.getRaw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the supplied key. Missing keys are ignored.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	err := m.db.Delete(kvKey(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	return err
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep the
// index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.getRaw(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if string(existing) == string(value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.getRaw(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// SetBalance stores a principal's balance for the provided currency. Balances
// never go negative; debits happen through engine transfers that check funds
// first.
func (m *Manager) SetBalance(principal string, currency registry.Currency, amount *big.Int) error {
	if strings.TrimSpace(principal) == "" {
		return fmt.Errorf("state: principal must not be empty")
	}
	normalized, ok := registry.NormalizeCurrency(string(currency))
	if !ok {
		return fmt.Errorf("state: unknown currency %q", currency)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(balanceKey(principal, normalized)), encoded)
}

// Balance retrieves a principal's balance for the provided currency. Accounts
// without a stored balance report zero.
func (m *Manager) Balance(principal string, currency registry.Currency) (*big.Int, error) {
	normalized, ok := registry.NormalizeCurrency(string(currency))
	if !ok {
		return nil, fmt.Errorf("state: unknown currency %q", currency)
	}
	data, err := m.getRaw(kvKey(balanceKey(principal, normalized)))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetRole associates a principal with the specified role. Duplicate
// assignments are ignored while the stored list remains sorted for
// determinism.
func (m *Manager) SetRole(role string, principal string) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	if strings.TrimSpace(principal) == "" {
		return fmt.Errorf("state: principal must not be empty")
	}
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if existing == principal {
			return nil
		}
	}
	members = append(members, principal)
	sort.Strings(members)
	return m.writeRoleMembers(trimmed, members)
}

// RemoveRole drops a principal from the role set. Unknown members are ignored.
func (m *Manager) RemoveRole(role string, principal string) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	filtered := members[:0]
	for _, existing := range members {
		if existing != principal {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(members) {
		return nil
	}
	return m.writeRoleMembers(trimmed, filtered)
}

func (m *Manager) writeRoleMembers(role string, members []string) error {
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(roleKey(role)), encoded)
}

// RoleMembers returns all principals assigned to the provided role in sorted
// order.
func (m *Manager) RoleMembers(role string) ([]string, error) {
	data, err := m.getRaw(kvKey(roleKey(strings.TrimSpace(role))))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var members []string
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// HasRole reports whether the principal holds the specified role. Read errors
// report false, matching the best-effort semantics required by callers.
func (m *Manager) HasRole(role string, principal string) bool {
	if strings.TrimSpace(principal) == "" {
		return false
	}
	members, err := m.RoleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member == principal {
			return true
		}
	}
	return false
}

// ParamStoreSet persists a named parameter blob.
func (m *Manager) ParamStoreSet(name string, value []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("state: parameter name must not be empty")
	}
	return m.KVPut(ParamStoreKey(name), value)
}

// ParamStoreGet loads a named parameter blob. The boolean return reports
// whether the parameter has ever been written.
func (m *Manager) ParamStoreGet(name string) ([]byte, bool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, fmt.Errorf("state: parameter name must not be empty")
	}
	var value []byte
	ok, err := m.KVGet(ParamStoreKey(name), &value)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}
