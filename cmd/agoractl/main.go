package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"agora/cmd/internal/secret"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via AGORA_RPC_URL or --rpc flag
var rpcToken = secret.NewSource("AGORA_RPC_TOKEN", "RPC bearer token")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	rest := args[1:]
	var code int
	switch command {
	case "policy":
		code = runPolicyCommand(rest)
	case "blacklist":
		code = runBlacklistCommand(rest)
	case "role":
		code = runRoleCommand(rest)
	case "bank":
		code = runBankCommand(rest)
	case "market":
		code = runMarketCommand(rest)
	case "escrow":
		code = runEscrowCommand(rest)
	case "dispute":
		code = runDisputeCommand(rest)
	case "rep":
		code = runRepCommand(rest)
	case "events":
		code = runEventsCommand(rest)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("AGORA_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

// --- RPC HELPER FUNCTIONS ---

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"id": 1, "jsonrpc": "2.0", "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		token, err := rpcToken.Get()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("privileged RPC call requires AGORA_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Data != "" {
			return nil, fmt.Errorf("error from node: %s: %s", rpcResp.Error.Message, rpcResp.Error.Data)
		}
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func parseUint(raw, what string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return value, nil
}

func call(method string, param interface{}, requireAuth bool) int {
	result, err := callRPC(method, param, requireAuth)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSONResult(result)
	return 0
}

// --- POLICY ---

func runPolicyCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl policy <get|set-authority|set-fraud-threshold|set-min-reputation|set-max-risk|toggle-anomaly|pause>")
		return 1
	}
	switch args[0] {
	case "get":
		return call("policy_get", nil, false)
	case "set-authority":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl policy set-authority <did>")
			return 1
		}
		return call("policy_setAuthority", map[string]string{"authority": args[1]}, true)
	case "set-fraud-threshold", "set-min-reputation", "set-max-risk":
		if len(args) < 3 {
			fmt.Printf("Usage: agoractl policy %s <caller> <value>\n", args[0])
			return 1
		}
		value, err := parseUint(args[2], "value")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		method := map[string]string{
			"set-fraud-threshold": "policy_setFraudThreshold",
			"set-min-reputation":  "policy_setMinReputation",
			"set-max-risk":        "policy_setMaxRiskScore",
		}[args[0]]
		return call(method, map[string]interface{}{"caller": args[1], "value": value}, true)
	case "toggle-anomaly":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl policy toggle-anomaly <caller>")
			return 1
		}
		return call("policy_toggleAnomalyDetection", map[string]string{"caller": args[1]}, true)
	case "pause":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl policy pause <caller> <module> <true|false>")
			return 1
		}
		paused, err := strconv.ParseBool(args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid paused flag %q\n", args[3])
			return 1
		}
		return call("policy_setPaused", map[string]interface{}{"caller": args[1], "module": args[2], "paused": paused}, true)
	default:
		fmt.Printf("Unknown policy subcommand: %s\n", args[0])
		return 1
	}
}

// --- BLACKLIST ---

func runBlacklistCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl blacklist <add|remove|list|check>")
		return 1
	}
	switch args[0] {
	case "add", "remove":
		if len(args) < 3 {
			fmt.Printf("Usage: agoractl blacklist %s <caller> <seller>\n", args[0])
			return 1
		}
		method := "policy_blacklistAdd"
		if args[0] == "remove" {
			method = "policy_blacklistRemove"
		}
		return call(method, map[string]string{"caller": args[1], "seller": args[2]}, true)
	case "list":
		return call("policy_blacklisted", map[string]string{}, false)
	case "check":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl blacklist check <seller>")
			return 1
		}
		return call("policy_blacklisted", map[string]string{"seller": args[1]}, false)
	default:
		fmt.Printf("Unknown blacklist subcommand: %s\n", args[0])
		return 1
	}
}

// --- ROLES ---

func runRoleCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl role <grant|revoke|members>")
		return 1
	}
	switch args[0] {
	case "grant", "revoke":
		if len(args) < 4 {
			fmt.Printf("Usage: agoractl role %s <caller> <role> <principal>\n", args[0])
			return 1
		}
		method := "policy_roleGrant"
		if args[0] == "revoke" {
			method = "policy_roleRevoke"
		}
		return call(method, map[string]string{"caller": args[1], "role": args[2], "principal": args[3]}, true)
	case "members":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl role members <role>")
			return 1
		}
		return call("policy_roleMembers", map[string]string{"role": args[1]}, false)
	default:
		fmt.Printf("Unknown role subcommand: %s\n", args[0])
		return 1
	}
}

// --- BANK ---

func runBankCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl bank <mint|balance>")
		return 1
	}
	switch args[0] {
	case "mint":
		if len(args) < 5 {
			fmt.Println("Usage: agoractl bank mint <caller> <principal> <currency> <amount>")
			return 1
		}
		amount, err := parseUint(args[4], "amount")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("bank_mint", map[string]interface{}{
			"caller": args[1], "principal": args[2], "currency": args[3], "amount": amount,
		}, true)
	case "balance":
		if len(args) < 3 {
			fmt.Println("Usage: agoractl bank balance <principal> <currency>")
			return 1
		}
		return call("bank_balance", map[string]string{"principal": args[1], "currency": args[2]}, false)
	default:
		fmt.Printf("Unknown bank subcommand: %s\n", args[0])
		return 1
	}
}

// --- MARKET ---

func runMarketCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl market <submit|get|flag|unflag|pause|resume|update-price|review-queue>")
		return 1
	}
	switch args[0] {
	case "submit":
		if len(args) < 8 {
			fmt.Println("Usage: agoractl market submit <caller> <id> <itemHash> <seller> <price> <category> <location> [currency]")
			return 1
		}
		id, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		price, err := parseUint(args[5], "price")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		currency := "STX"
		if len(args) > 8 {
			currency = args[8]
		}
		return call("market_submitListing", map[string]interface{}{
			"caller":   args[1],
			"id":       id,
			"itemHash": args[3],
			"seller":   args[4],
			"price":    price,
			"category": args[6],
			"location": args[7],
			"currency": currency,
		}, true)
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl market get <id>")
			return 1
		}
		id, err := parseUint(args[1], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("market_getListing", map[string]interface{}{"id": id}, false)
	case "flag":
		if len(args) < 5 {
			fmt.Println("Usage: agoractl market flag <caller> <id> <riskScore> <reason...>")
			return 1
		}
		id, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		risk, err := parseUint(args[3], "risk score")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		reason := strings.Join(args[4:], " ")
		return call("market_flagListing", map[string]interface{}{
			"caller": args[1], "id": id, "reason": reason, "riskScore": risk,
		}, true)
	case "unflag", "pause", "resume":
		if len(args) < 3 {
			fmt.Printf("Usage: agoractl market %s <caller> <id>\n", args[0])
			return 1
		}
		id, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		method := map[string]string{
			"unflag": "market_unflagListing",
			"pause":  "market_pauseListing",
			"resume": "market_resumeListing",
		}[args[0]]
		return call(method, map[string]interface{}{"caller": args[1], "id": id}, true)
	case "update-price":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl market update-price <caller> <id> <newPrice>")
			return 1
		}
		id, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		price, err := parseUint(args[3], "price")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("market_updatePrice", map[string]interface{}{"caller": args[1], "id": id, "newPrice": price}, true)
	case "review-queue":
		return call("market_reviewQueue", nil, false)
	default:
		fmt.Printf("Unknown market subcommand: %s\n", args[0])
		return 1
	}
}

// --- ESCROW ---

func runEscrowCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl escrow <open|confirm|get>")
		return 1
	}
	switch args[0] {
	case "open":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl escrow open <caller> <listingId> <amount> [currency]")
			return 1
		}
		listingID, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		amount, err := parseUint(args[3], "amount")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		currency := "STX"
		if len(args) > 4 {
			currency = args[4]
		}
		return call("escrow_open", map[string]interface{}{
			"caller": args[1], "listingId": listingID, "amount": amount, "currency": currency,
		}, true)
	case "confirm":
		if len(args) < 3 {
			fmt.Println("Usage: agoractl escrow confirm <caller> <listingId>")
			return 1
		}
		listingID, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("escrow_confirm", map[string]interface{}{"caller": args[1], "listingId": listingID}, true)
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl escrow get <listingId>")
			return 1
		}
		listingID, err := parseUint(args[1], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("escrow_get", map[string]interface{}{"listingId": listingID}, false)
	default:
		fmt.Printf("Unknown escrow subcommand: %s\n", args[0])
		return 1
	}
}

// --- DISPUTES ---

func runDisputeCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl dispute <open|evidence|rule|get>")
		return 1
	}
	switch args[0] {
	case "open":
		if len(args) < 3 {
			fmt.Println("Usage: agoractl dispute open <caller> <listingId> [evidenceRef...]")
			return 1
		}
		listingID, err := parseUint(args[2], "listing id")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		param := map[string]interface{}{"caller": args[1], "listingId": listingID}
		if len(args) > 3 {
			param["evidence"] = args[3:]
		}
		return call("dispute_open", param, true)
	case "evidence":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl dispute evidence <caller> <disputeId> <evidenceRef>")
			return 1
		}
		return call("dispute_submitEvidence", map[string]string{
			"caller": args[1], "disputeId": args[2], "evidenceRef": args[3],
		}, true)
	case "rule":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl dispute rule <caller> <disputeId> <release|refund>")
			return 1
		}
		return call("dispute_rule", map[string]string{
			"caller": args[1], "disputeId": args[2], "ruling": args[3],
		}, true)
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl dispute get <disputeId>")
			return 1
		}
		return call("dispute_get", map[string]string{"disputeId": args[1]}, false)
	default:
		fmt.Printf("Unknown dispute subcommand: %s\n", args[0])
		return 1
	}
}

// --- REPUTATION ---

func runRepCommand(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: agoractl rep <get|set>")
		return 1
	}
	switch args[0] {
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: agoractl rep get <principal>")
			return 1
		}
		return call("rep_get", map[string]string{"principal": args[1]}, false)
	case "set":
		if len(args) < 4 {
			fmt.Println("Usage: agoractl rep set <caller> <principal> <score>")
			return 1
		}
		score, err := parseUint(args[3], "score")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return call("rep_set", map[string]interface{}{"caller": args[1], "principal": args[2], "score": score}, true)
	default:
		fmt.Printf("Unknown rep subcommand: %s\n", args[0])
		return 1
	}
}

// --- EVENTS ---

func runEventsCommand(args []string) int {
	param := map[string]interface{}{}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--cursor" && i+1 < len(args):
			cursor, err := parseUint(args[i+1], "cursor")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			param["cursor"] = cursor
			i++
		case strings.HasPrefix(args[i], "--cursor="):
			cursor, err := parseUint(strings.TrimPrefix(args[i], "--cursor="), "cursor")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			param["cursor"] = cursor
		case args[i] == "--limit" && i+1 < len(args):
			limit, err := parseUint(args[i+1], "limit")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			param["limit"] = limit
			i++
		case strings.HasPrefix(args[i], "--limit="):
			limit, err := parseUint(strings.TrimPrefix(args[i], "--limit="), "limit")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			param["limit"] = limit
		default:
			fmt.Printf("Unknown events flag: %s\n", args[i])
			return 1
		}
	}
	return call("events_latest", param, false)
}

func printUsage() {
	fmt.Println("Usage: agoractl [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Mutating commands require AGORA_RPC_TOKEN (or an interactive prompt on a TTY).")
	fmt.Println("The endpoint defaults to http://localhost:8545 and honors AGORA_RPC_URL.")
	fmt.Println("Commands:")
	fmt.Println("  policy     - Governance parameters, pauses and the authority DID")
	fmt.Println("  blacklist  - Seller blacklist management")
	fmt.Println("  role       - Arbiter/reviewer role membership")
	fmt.Println("  bank       - Escrow ledger mint and balance queries")
	fmt.Println("  market     - Listing submission, moderation and review queue")
	fmt.Println("  escrow     - Escrow open/confirm/get")
	fmt.Println("  dispute    - Dispute lifecycle and arbitration rulings")
	fmt.Println("  rep        - Reputation ledger queries and attested updates")
	fmt.Println("  events     - Sequenced event log queries (--cursor, --limit)")
}
