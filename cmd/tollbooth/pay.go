package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tollbooth/x402-go"
	x402http "github.com/tollbooth/x402-go/http"
	"github.com/tollbooth/x402-go/signers/evm"
)

func runPay(args []string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("pay", flag.ExitOnError)
	key := fs.String("key", "", "Private key (hex, with or without 0x). Defaults to $PRIVATE_KEY")
	keystore := fs.String("keystore", "", "Encrypted keystore file, used instead of -key")
	password := fs.String("password", envOr("KEYSTORE_PASSWORD", ""), "Keystore password")
	network := fs.String("network", envOr("NETWORK", "base-sepolia"), "Network to pay on")
	url := fs.String("url", "", "URL to fetch (must be paywalled with x402)")
	maxAmount := fs.String("max", "", "Maximum amount per call in atomic units (optional)")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *url == "" {
		fs.PrintDefaults()
		return errors.New("-url is required")
	}

	opts := []evm.SignerOption{evm.WithNetwork(*network)}
	switch {
	case *keystore != "":
		opts = append(opts, evm.WithKeystore(*keystore, *password))
	case *key != "":
		opts = append(opts, evm.WithPrivateKey(*key))
	case os.Getenv("PRIVATE_KEY") != "":
		opts = append(opts, evm.WithPrivateKey(os.Getenv("PRIVATE_KEY")))
	default:
		fs.PrintDefaults()
		return errors.New("-key, -keystore or PRIVATE_KEY is required")
	}
	if *maxAmount != "" {
		opts = append(opts, evm.WithMaxAmountPerCall(*maxAmount))
	}

	signer, err := evm.NewSigner(opts...)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	fmt.Printf("Paying from %s on %s\n", signer.Address().Hex(), signer.Network())

	client, err := x402http.NewClient(
		x402http.WithHTTPClient(&http.Client{Timeout: *timeout}),
		x402http.WithSigner(signer),
		x402http.WithPaymentCallback(x402.PaymentEventAttempt, func(e x402.PaymentEvent) {
			fmt.Printf("Signed payment of %s to %s\n", e.Amount, e.Recipient)
		}),
		x402http.WithPaymentCallback(x402.PaymentEventFailure, func(e x402.PaymentEvent) {
			fmt.Printf("Payment failed after %s: %v\n", e.Duration.Round(time.Millisecond), e.Error)
		}),
	)
	if err != nil {
		return err
	}

	resp, err := client.Get(*url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printPayResult(os.Stdout, resp)
}

// printPayResult writes the settlement, status and body of resp to out.
func printPayResult(out io.Writer, resp *http.Response) error {
	if settlement := x402http.GetSettlement(resp); settlement != nil {
		fmt.Fprintln(out, "Payment settled")
		fmt.Fprintf(out, "  Transaction: %s\n", settlement.Transaction)
		fmt.Fprintf(out, "  Network: %s\n", settlement.Network)
		fmt.Fprintf(out, "  Payer: %s\n", settlement.Payer)
	}

	fmt.Fprintf(out, "Status: %s\n", resp.Status)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	fmt.Fprintln(out, string(body))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
