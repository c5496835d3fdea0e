package helpers

import (
	"log/slog"

	"github.com/tollbooth/x402-go"
)

// GetPayer extracts the payer address from a payment without contacting a facilitator.
// It returns "" when the payer cannot be determined.
func GetPayer(payment x402.PaymentPayload) string {
	logger := slog.Default()

	networkType, _ := x402.ValidateNetwork(payment.Network)
	switch networkType {
	case x402.NetworkTypeSVM:
		payer, err := getPayerWithSolana(payment, logger)
		if err != nil {
			logger.Debug("failed to get payer with solana", "error", err)
			return ""
		}
		return payer
	default:
		evm, err := payment.EVM()
		if err != nil {
			return ""
		}
		return evm.Authorization.From
	}
}
