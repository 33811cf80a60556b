// Package main provides a command-line client for opening, using and
// settling paychat sessions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/transport/rpc"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	flagSet := pflag.NewFlagSet("paychat "+command, pflag.ContinueOnError)
	addr := flagSet.String("addr", envOr("PAYCHAT_ADDR", "http://localhost:8080"), "ledger API base URL")
	keyHex := flagSet.String("key", os.Getenv("PAYCHAT_PRIVATE_KEY"), "payer private key (hex)")
	sessionID := flagSet.StringP("session", "s", "", "session id")
	agentID := flagSet.StringP("agent", "a", "default", "agent id")
	recipient := flagSet.String("recipient", "", "agent payout address")
	endpointType := flagSet.String("endpoint-type", domain.EndpointTypeEcho, "agent endpoint type (http|echo)")
	endpointURL := flagSet.String("endpoint-url", "", "agent endpoint url")
	prepay := flagSet.Int64("prepay", 0, "prepaid amount in micro-units (0 uses the server default)")
	chainID := flagSet.Int64("chain-id", 8453, "chain id bound into the authorization")
	appName := flagSet.String("app", "paychat", "application name bound into the authorization")
	typed := flagSet.Bool("typed", false, "sign with EIP-712 typed data instead of personal_sign")
	timeout := flagSet.Duration("timeout", 90*time.Second, "request timeout")
	rpcAddr := flagSet.String("rpc", os.Getenv("PAYCHAT_RPC"), "operator JSON-RPC address; settle, close, session and earnings use it when set")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	client := NewClient(*addr, *timeout)
	var ledger *rpc.Client
	if *rpcAddr != "" {
		ledger = rpc.NewClient(*rpcAddr, *timeout)
	}

	payer := func() (string, error) {
		key, err := LoadKey(*keyHex)
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}
	needSession := func() error {
		if *sessionID == "" {
			return fmt.Errorf("--session is required")
		}
		return nil
	}

	switch command {
	case "open":
		key, err := LoadKey(*keyHex)
		if err != nil {
			return err
		}
		kind := domain.SignatureKindPersonal
		if *typed {
			kind = domain.SignatureKindTypedData
		}
		target := *endpointURL
		if target == "" && *endpointType == domain.EndpointTypeEcho {
			target = "echo://" + *agentID
		}
		req, err := BuildOpenRequest(key, OpenParams{
			AgentID:      *agentID,
			Recipient:    *recipient,
			EndpointType: *endpointType,
			EndpointURL:  target,
			ChainID:      *chainID,
			AppName:      *appName,
			Prepay:       *prepay,
			Kind:         kind,
		}, time.Now())
		if err != nil {
			return err
		}
		var session domain.ChatSession
		if err := client.Do(ctx, http.MethodPost, "/v1/sessions", req, &session); err != nil {
			return err
		}
		return printJSON(session)

	case "send", "chat":
		if err := needSession(); err != nil {
			return err
		}
		from, err := payer()
		if err != nil {
			return err
		}
		if command == "send" {
			content := strings.Join(flagSet.Args(), " ")
			return sendOne(ctx, client, *sessionID, from, content)
		}
		return chat(ctx, client, *sessionID, from)

	case "settle", "close":
		if err := needSession(); err != nil {
			return err
		}
		from, err := payer()
		if err != nil {
			return err
		}
		if ledger != nil {
			var out interface{}
			if command == "settle" {
				out, err = ledger.Settle(ctx, *sessionID, from)
			} else {
				out, err = ledger.CloseSession(ctx, *sessionID, from)
			}
			if err != nil {
				return err
			}
			return printJSON(out)
		}
		var out map[string]interface{}
		err = client.Do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(*sessionID)+"/"+command, domain.PayerRequest{Payer: from}, &out)
		if out != nil {
			_ = printJSON(out)
		}
		return err

	case "session":
		if err := needSession(); err != nil {
			return err
		}
		if ledger != nil {
			session, err := ledger.GetSession(ctx, *sessionID)
			if err != nil {
				return err
			}
			return printJSON(session)
		}
		var session domain.ChatSession
		if err := client.Do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(*sessionID), nil, &session); err != nil {
			return err
		}
		return printJSON(session)

	case "earnings":
		if *recipient == "" {
			return fmt.Errorf("--recipient is required")
		}
		if ledger != nil {
			earnings, err := ledger.GetEarnings(ctx, *agentID, *recipient)
			if err != nil {
				return err
			}
			return printJSON(earnings)
		}
		var out map[string]interface{}
		path := "/v1/agents/" + url.PathEscape(*agentID) + "/earnings/" + url.PathEscape(*recipient)
		if err := client.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(out)

	case "help", "-h", "--help":
		printHelp()
		return nil

	default:
		printHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

func sendOne(ctx context.Context, client *Client, sessionID, payer, content string) error {
	var result domain.SendMessageResult
	err := client.Do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages",
		domain.SendMessageRequest{Payer: payer, Content: content}, &result)
	if err != nil {
		return err
	}
	for _, m := range result.Messages {
		if m.Role == domain.MessageRoleAssistant {
			fmt.Println(m.Content)
		}
	}
	s := result.Session
	fmt.Printf("[prepaid %d | unsettled %d | settled %d]\n", s.PrepaidBalance, s.UnsettledBalance, s.TotalSettled)
	if result.Settlement != nil {
		fmt.Printf("[settlement %s, amount %d]\n", result.Settlement.Outcome, result.Settlement.SettledAmount)
	}
	return nil
}

func chat(ctx context.Context, client *Client, sessionID, payer string) error {
	fmt.Printf("Chatting in %s. Type a message and press Enter.\n", sessionID)
	fmt.Println("Commands: /settle, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if ctx.Err() != nil || !scanner.Scan() {
			fmt.Println()
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit":
			fmt.Println("Bye!")
			return nil
		case "/settle":
			var out domain.SettlementResult
			err := client.Do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/settle", domain.PayerRequest{Payer: payer}, &out)
			if err != nil {
				fmt.Fprintf(os.Stderr, "settle: %v\n", err)
				continue
			}
			fmt.Printf("[settlement %s, amount %d]\n", out.Outcome, out.SettledAmount)
			continue
		}
		if err := sendOne(ctx, client, sessionID, payer, input); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printHelp() {
	fmt.Fprint(os.Stderr, `paychat - metered agent chat client

Usage:
  paychat open     --key KEY --agent ID --recipient ADDR [--endpoint-type http --endpoint-url URL] [--prepay N] [--typed]
  paychat send     --key KEY --session ID message...
  paychat chat     --key KEY --session ID
  paychat settle   --key KEY --session ID
  paychat close    --key KEY --session ID
  paychat session  --session ID
  paychat earnings --agent ID --recipient ADDR

The API address defaults to $PAYCHAT_ADDR or http://localhost:8080 and the
key to $PAYCHAT_PRIVATE_KEY. With --rpc (or $PAYCHAT_RPC) settle, close,
session and earnings go through the operator JSON-RPC port instead.
`)
}
