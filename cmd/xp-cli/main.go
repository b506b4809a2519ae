package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"xpledger/client"
	"xpledger/cmd/internal/passphrase"
	"xpledger/crypto"
)

const walletPassEnv = "XPL_WALLET_PASS"

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via XPL_RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("XPL_RPC_TOKEN")
var submitFee uint64 = 1

var walletPass = passphrase.NewSource(walletPassEnv)

func main() {
	args := os.Args[1:]
	var err error
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
	switch command {
	case "generate-key":
		path := "wallet.keystore"
		if len(args) > 1 {
			path = args[1]
		}
		generateKey(path)
	case "xp":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getXP(args[1])
	case "history":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getHistory(args[1])
	case "level":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getLevel(args[1])
	case "rank":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getRank(args[1])
	case "reputation":
		if len(args) < 5 {
			fmt.Println("Error: Please provide an address, days active, rating and behavior weight.")
			printUsage()
			return
		}
		getReputation(args[1], args[2], args[3], args[4])
	case "xp-key":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getXPKey(args[1])
	case "owner":
		getOwner()
	case "version":
		getVersion()
	case "last-op-time":
		getLastOpTime()
	case "node-version":
		getNodeVersion()
	case "award":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a recipient, an amount and a keystore file.")
			printUsage()
			return
		}
		award(args[1], args[2], args[3])
	case "award-with-id":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a recipient, an amount, an operation id and a keystore file.")
			printUsage()
			return
		}
		awardWithID(args[1], args[2], args[3], args[4])
	case "upgrade":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a code image file and a keystore file.")
			printUsage()
			return
		}
		upgrade(args[1], args[2])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("XPL_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
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
		if arg == "--fee" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --fee")
			}
			fee, err := strconv.ParseUint(args[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value for --fee: %s", args[i+1])
			}
			submitFee = fee
			i++
			continue
		}
		if strings.HasPrefix(arg, "--fee=") {
			raw := strings.TrimPrefix(arg, "--fee=")
			fee, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value for --fee: %s", raw)
			}
			submitFee = fee
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func newClient() *client.Client {
	return client.New(client.Config{
		URL:       rpcEndpoint,
		AuthToken: rpcAuthToken,
		Timeout:   15 * time.Second,
	})
}

func generateKey(path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Error: %s already exists. Move it aside before generating a new key.\n", path)
		return
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	pass, err := walletPass.Get()
	if err != nil {
		fmt.Printf("Error reading passphrase: %v\n", err)
		return
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		panic(fmt.Sprintf("Failed to save keystore to %s: %v", path, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", path)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Award submissions will refuse to run without it.")
}

func loadSigningKey(path string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore %s not found. run ./xp-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to access keystore %s: %w", path, err)
	}
	pass, err := walletPass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock keystore %s: %w", path, err)
	}
	return key, nil
}

func parseAddress(raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr, nil
}

func parseAmount(raw string) (uint64, error) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseOpID(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		id, err := uint256.FromHex(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid operation id %q: %w", raw, err)
		}
		return id, nil
	}
	id := new(uint256.Int)
	if err := id.SetFromDecimal(trimmed); err != nil {
		return nil, fmt.Errorf("invalid operation id %q: %w", raw, err)
	}
	return id, nil
}

func getXP(raw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	xp, err := newClient().XP(context.Background(), addr)
	if err != nil {
		fmt.Printf("Error fetching XP: %v\n", err)
		return
	}
	fmt.Printf("XP for %s: %d\n", addr.String(), xp)
}

func getHistory(raw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	entries, err := newClient().UserHistory(context.Background(), addr)
	if err != nil {
		fmt.Printf("Error fetching history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Printf("No retained history for %s.\n", addr.String())
		return
	}
	fmt.Printf("History for %s (oldest first):\n", addr.String())
	for _, entry := range entries {
		opID := "(anonymous)"
		if entry.OpID != nil {
			opID = "0x" + hex.EncodeToString(entry.OpID.Bytes())
		}
		fmt.Printf("  - %s  +%d XP  opId %s\n",
			time.Unix(int64(entry.Timestamp), 0).UTC().Format(time.RFC3339),
			entry.Amount,
			opID)
	}
}

func getLevel(raw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	level, err := newClient().Level(context.Background(), addr)
	if err != nil {
		fmt.Printf("Error fetching level: %v\n", err)
		return
	}
	fmt.Printf("Level for %s: %d\n", addr.String(), level)
}

func getRank(raw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	rank, err := newClient().Rank(context.Background(), addr)
	if err != nil {
		fmt.Printf("Error fetching rank: %v\n", err)
		return
	}
	fmt.Printf("Rank for %s: %d\n", addr.String(), rank)
}

func getReputation(raw, daysRaw, ratingRaw, weightRaw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	days, err := strconv.ParseInt(daysRaw, 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid days active %q\n", daysRaw)
		return
	}
	rating, err := strconv.ParseInt(ratingRaw, 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid rating %q\n", ratingRaw)
		return
	}
	weight, err := strconv.ParseInt(weightRaw, 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid behavior weight %q\n", weightRaw)
		return
	}
	score, err := newClient().Reputation(context.Background(), addr, days, rating, weight)
	if err != nil {
		fmt.Printf("Error fetching reputation: %v\n", err)
		return
	}
	fmt.Printf("Reputation for %s: %d\n", addr.String(), score)
}

func getXPKey(raw string) {
	addr, err := parseAddress(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	key, err := newClient().XPKey(context.Background(), addr)
	if err != nil {
		fmt.Printf("Error fetching storage key: %v\n", err)
		return
	}
	keyBytes := key.Bytes32()
	fmt.Printf("Storage key for %s: 0x%s\n", addr.String(), hex.EncodeToString(keyBytes[:]))
}

func getOwner() {
	owner, initialized, err := newClient().Owner(context.Background())
	if err != nil {
		fmt.Printf("Error fetching owner: %v\n", err)
		return
	}
	if !initialized {
		fmt.Println("Ledger is uninitialized; no owner recorded yet.")
		return
	}
	fmt.Printf("Ledger owner: %s\n", owner.String())
}

func getVersion() {
	version, err := newClient().Version(context.Background())
	if err != nil {
		fmt.Printf("Error fetching version: %v\n", err)
		return
	}
	fmt.Printf("Ledger program version: %d\n", version)
}

func getLastOpTime() {
	lastOp, err := newClient().LastOpTime(context.Background())
	if err != nil {
		fmt.Printf("Error fetching last op time: %v\n", err)
		return
	}
	if lastOp == 0 {
		fmt.Println("No writes recorded yet.")
		return
	}
	fmt.Printf("Last write at %s (unix %d)\n",
		time.Unix(int64(lastOp), 0).UTC().Format(time.RFC3339), lastOp)
}

func getNodeVersion() {
	name, version, err := newClient().ServerVersion(context.Background())
	if err != nil {
		fmt.Printf("Error fetching node version: %v\n", err)
		return
	}
	fmt.Printf("Node: %s %s\n", name, version)
}

func award(recipientRaw, amountRaw, keyFile string) {
	recipient, err := parseAddress(recipientRaw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	key, err := loadSigningKey(keyFile)
	if err != nil {
		fmt.Printf("Error loading signing key: %v\n", err)
		return
	}

	hash, err := newClient().SubmitAward(context.Background(), key, recipient, amount, submitFee)
	if err != nil {
		fmt.Printf("Error submitting award: %v\n", err)
		return
	}

	fmt.Printf("Submitted award of %d XP to %s (envelope 0x%s).\n", amount, recipient.String(), hex.EncodeToString(hash[:]))
	fmt.Println("A hash is not a confirmation; poll the recipient's XP to confirm delivery.")
}

func awardWithID(recipientRaw, amountRaw, opIDRaw, keyFile string) {
	recipient, err := parseAddress(recipientRaw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	opID, err := parseOpID(opIDRaw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	key, err := loadSigningKey(keyFile)
	if err != nil {
		fmt.Printf("Error loading signing key: %v\n", err)
		return
	}

	hash, err := newClient().SubmitAwardWithID(context.Background(), key, recipient, amount, opID, submitFee)
	if err != nil {
		fmt.Printf("Error submitting award: %v\n", err)
		return
	}

	opBytes := opID.Bytes32()
	fmt.Printf("Submitted award of %d XP to %s with opId 0x%s (envelope 0x%s).\n",
		amount, recipient.String(), hex.EncodeToString(opBytes[:]), hex.EncodeToString(hash[:]))
	fmt.Println("A hash is not a confirmation; poll the recipient's history to confirm delivery.")
}

func upgrade(codeFile, keyFile string) {
	code, err := os.ReadFile(codeFile)
	if err != nil {
		fmt.Printf("Error reading code image %s: %v\n", codeFile, err)
		return
	}
	if len(code) == 0 {
		fmt.Printf("Error: code image %s is empty.\n", codeFile)
		return
	}
	key, err := loadSigningKey(keyFile)
	if err != nil {
		fmt.Printf("Error loading signing key: %v\n", err)
		return
	}

	hash, err := newClient().SubmitUpgrade(context.Background(), key, code, submitFee)
	if err != nil {
		fmt.Printf("Error submitting upgrade: %v\n", err)
		return
	}

	fmt.Printf("Submitted upgrade carrying %d bytes of code (envelope 0x%s).\n", len(code), hex.EncodeToString(hash[:]))
	fmt.Println("Only the ledger owner's upgrades apply; query version to confirm.")
}

func printUsage() {
	fmt.Println("Usage: xp-cli [--rpc <url>] [--fee <n>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Submissions require a locally generated signing key. Run ./xp-cli generate-key first;")
	fmt.Println("the passphrase is read from XPL_WALLET_PASS or prompted interactively.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [path]                 - Generates a new key and saves to wallet.keystore")
	fmt.Println("  xp <address>                        - Shows the XP balance of an address")
	fmt.Println("  history <address>                   - Lists the retained award history of an address")
	fmt.Println("  level <address>                     - Shows the display level of an address")
	fmt.Println("  rank <address>                      - Shows the rank tier of an address")
	fmt.Println("  reputation <address> <days> <rating> <weight> - Folds activity signals into a score")
	fmt.Println("  xp-key <address>                    - Shows the derived storage key of an address")
	fmt.Println("  owner                               - Shows the ledger owner")
	fmt.Println("  version                             - Shows the ledger program version")
	fmt.Println("  last-op-time                        - Shows the global write cooldown anchor")
	fmt.Println("  node-version                        - Shows the node software identity")
	fmt.Println("  award <recipient> <amount> <keystore>             - Submits an anonymous award")
	fmt.Println("  award-with-id <recipient> <amount> <opId> <keystore> - Submits an identified award")
	fmt.Println("  upgrade <code_file> <keystore>      - Submits a program upgrade (owner only)")
}
