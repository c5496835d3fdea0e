package helpers

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/tollbooth/x402-go"
)

// errNotTransfer marks an instruction that moves no funds.
var errNotTransfer = errors.New("not a transfer instruction")

// getPayerWithSolana returns the funding or owner account of the first transfer
// instruction in the payment transaction, or "" when it has none.
func getPayerWithSolana(payment x402.PaymentPayload, logger *slog.Logger) (string, error) {
	payload, err := payment.SVM()
	if err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if payload.Transaction == "" {
		return "", fmt.Errorf("transaction not found in payload")
	}

	tx, err := solana.TransactionFromBase64(payload.Transaction)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	for i, inst := range tx.Message.Instructions {
		payer, err := transferAuthority(&tx.Message, inst)
		if err == nil {
			return payer.String(), nil
		}
		if !errors.Is(err, errNotTransfer) {
			logger.Debug("skipping undecodable instruction", "index", i, "error", err)
		}
	}
	return "", nil
}

// transferAuthority returns the account that pays for a System or SPL Token
// transfer instruction.
func transferAuthority(msg *solana.Message, inst solana.CompiledInstruction) (solana.PublicKey, error) {
	prog, err := msg.ResolveProgramIDIndex(inst.ProgramIDIndex)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("resolve program: %w", err)
	}
	if !prog.Equals(solana.SystemProgramID) && !prog.Equals(solana.TokenProgramID) {
		return solana.PublicKey{}, errNotTransfer
	}

	accounts, err := inst.ResolveInstructionAccounts(msg)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("resolve accounts: %w", err)
	}

	if prog.Equals(solana.SystemProgramID) {
		ix, err := system.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("decode system instruction: %w", err)
		}
		if t, ok := ix.Impl.(*system.Transfer); ok {
			return t.GetFundingAccount().PublicKey, nil
		}
		return solana.PublicKey{}, errNotTransfer
	}

	ix, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("decode token instruction: %w", err)
	}
	switch t := ix.Impl.(type) {
	case *token.Transfer:
		return t.GetOwnerAccount().PublicKey, nil
	case *token.TransferChecked:
		return t.GetOwnerAccount().PublicKey, nil
	}
	return solana.PublicKey{}, errNotTransfer
}
