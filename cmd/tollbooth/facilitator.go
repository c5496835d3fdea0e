package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator"
	x402http "github.com/tollbooth/x402-go/http"
	"github.com/tollbooth/x402-go/signers/evm"
)

// maxFacilitatorRequest bounds the body of a verify or settle call.
const maxFacilitatorRequest = 1 << 20

// Invalid reasons reported by the mock facilitator.
const (
	reasonInvalidPayload   = "invalid_payload"
	reasonUnsupported      = "unsupported_scheme"
	reasonNetworkMismatch  = "invalid_network"
	reasonBadSignature     = "invalid_exact_evm_payload_signature"
	reasonRecipient        = "invalid_exact_evm_payload_recipient_mismatch"
	reasonValue            = "invalid_exact_evm_payload_authorization_value"
	reasonValidBefore      = "invalid_exact_evm_payload_authorization_valid_before"
	reasonValidAfter       = "invalid_exact_evm_payload_authorization_valid_after"
	reasonInvalidTx        = "invalid_exact_svm_payload_transaction"
	reasonNonceAlreadyUsed = "nonce_already_used"
	reasonRejected         = "rejected_by_facilitator"
)

// mockFacilitator verifies payments offline and pretends to settle them.
// EVM authorizations are checked by recovering the EIP-712 signer; Solana
// transactions only need to decode. Settled nonces are remembered so a
// payment can only be captured once.
type mockFacilitator struct {
	reject bool
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	settled map[string]struct{}
}

func newMockFacilitator(reject bool, logger *slog.Logger) *mockFacilitator {
	return &mockFacilitator{
		reject:  reject,
		logger:  logger,
		now:     time.Now,
		settled: make(map[string]struct{}),
	}
}

func (f *mockFacilitator) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/verify", f.handleVerify)
	r.Post("/settle", f.handleSettle)
	r.Get("/supported", f.handleSupported)
	return r
}

func (f *mockFacilitator) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}
	resp, _ := f.verify(req)
	f.logger.Info("verify", "network", req.PaymentRequirements.Network, "valid", resp.IsValid, "reason", resp.InvalidReason, "payer", resp.Payer)
	writeJSON(w, http.StatusOK, resp)
}

func (f *mockFacilitator) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}
	resp, nonce := f.verify(req)
	settlement := x402.SettlementResponse{
		Network: req.PaymentRequirements.Network,
		Payer:   resp.Payer,
	}
	switch {
	case !resp.IsValid:
		settlement.ErrorReason = resp.InvalidReason
	case !f.claim(nonce):
		settlement.ErrorReason = reasonNonceAlreadyUsed
	default:
		settlement.Success = true
		settlement.Transaction = crypto.Keccak256Hash([]byte(req.PaymentRequirements.Network), []byte(nonce)).Hex()
	}
	f.logger.Info("settle", "network", settlement.Network, "success", settlement.Success, "reason", settlement.ErrorReason, "tx", settlement.Transaction)
	writeJSON(w, http.StatusOK, settlement)
}

func (f *mockFacilitator) handleSupported(w http.ResponseWriter, r *http.Request) {
	var kinds []facilitator.SupportedKind
	for _, id := range x402.Networks() {
		cfg, err := x402.LookupNetwork(id)
		if err != nil {
			continue
		}
		kind := facilitator.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     id,
		}
		if d := cfg.USDC.EIP712; d != nil {
			kind.Extra = map[string]interface{}{"name": d.Name, "version": d.Version}
		}
		kinds = append(kinds, kind)
	}
	writeJSON(w, http.StatusOK, facilitator.SupportedResponse{Kinds: kinds})
}

// claim records nonce as settled and reports whether it was new.
func (f *mockFacilitator) claim(nonce string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.settled[nonce]; ok {
		return false
	}
	f.settled[nonce] = struct{}{}
	return true
}

// verify checks req and returns the verdict plus the replay key of the payment.
func (f *mockFacilitator) verify(req x402http.FacilitatorRequest) (facilitator.VerifyResponse, string) {
	payment, requirement := req.PaymentPayload, req.PaymentRequirements

	if payment.Scheme != x402.SchemeExact || requirement.Scheme != x402.SchemeExact {
		return invalid(reasonUnsupported, ""), ""
	}
	if payment.Network != requirement.Network {
		return invalid(reasonNetworkMismatch, ""), ""
	}
	cfg, err := x402.LookupNetwork(requirement.Network)
	if err != nil {
		return invalid(reasonNetworkMismatch, ""), ""
	}

	var resp facilitator.VerifyResponse
	var nonce string
	switch cfg.Type {
	case x402.NetworkTypeEVM:
		resp, nonce = f.verifyEVM(cfg, payment, requirement)
	case x402.NetworkTypeSVM:
		resp, nonce = verifySVM(payment)
	default:
		return invalid(reasonUnsupported, ""), ""
	}

	if resp.IsValid && f.reject {
		return invalid(reasonRejected, resp.Payer), nonce
	}
	return resp, nonce
}

func (f *mockFacilitator) verifyEVM(cfg x402.NetworkConfig, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (facilitator.VerifyResponse, string) {
	payload, err := payment.EVM()
	if err != nil {
		return invalid(reasonInvalidPayload, ""), ""
	}
	auth, err := evm.ParseAuthorization(payload.Authorization)
	if err != nil {
		return invalid(reasonInvalidPayload, ""), ""
	}
	payer := auth.From.Hex()

	name, version := eip712Domain(cfg, requirement)
	signer, err := evm.RecoverTransferAuthorizer(
		payload.Signature,
		common.HexToAddress(requirement.Asset),
		big.NewInt(cfg.ChainID),
		auth,
		name,
		version,
	)
	if err != nil || signer != auth.From {
		return invalid(reasonBadSignature, payer), ""
	}

	if !common.IsHexAddress(requirement.PayTo) || auth.To != common.HexToAddress(requirement.PayTo) {
		return invalid(reasonRecipient, payer), ""
	}
	required, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok || auth.Value.Cmp(required) < 0 {
		return invalid(reasonValue, payer), ""
	}

	now := big.NewInt(f.now().Unix())
	if auth.ValidBefore.Cmp(now) <= 0 {
		return invalid(reasonValidBefore, payer), ""
	}
	if auth.ValidAfter.Cmp(now) > 0 {
		return invalid(reasonValidAfter, payer), ""
	}

	return facilitator.VerifyResponse{IsValid: true, Payer: payer}, auth.From.Hex() + ":" + auth.Nonce.Hex()
}

func verifySVM(payment x402.PaymentPayload) (facilitator.VerifyResponse, string) {
	payload, err := payment.SVM()
	if err != nil || payload.Transaction == "" {
		return invalid(reasonInvalidPayload, ""), ""
	}
	tx, err := solana.TransactionFromBase64(payload.Transaction)
	if err != nil || len(tx.Message.AccountKeys) == 0 {
		return invalid(reasonInvalidTx, ""), ""
	}
	var payer string
	if len(tx.Message.AccountKeys) > 1 {
		payer = tx.Message.AccountKeys[1].String()
	}
	return facilitator.VerifyResponse{IsValid: true, Payer: payer}, payload.Transaction
}

// eip712Domain prefers the domain advertised in the requirement.
func eip712Domain(cfg x402.NetworkConfig, requirement x402.PaymentRequirement) (string, string) {
	var name, version string
	if d := cfg.USDC.EIP712; d != nil {
		name, version = d.Name, d.Version
	}
	if v, ok := requirement.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := requirement.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}

func invalid(reason, payer string) facilitator.VerifyResponse {
	return facilitator.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

func decodeFacilitatorRequest(w http.ResponseWriter, r *http.Request) (x402http.FacilitatorRequest, bool) {
	var req x402http.FacilitatorRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFacilitatorRequest))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request: %v", err)})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runFacilitator(args []string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("facilitator", flag.ExitOnError)
	addr := fs.String("addr", envOr("FACILITATOR_ADDR", ":8402"), "Listen address")
	reject := fs.Bool("reject", false, "Answer every well-formed payment as invalid")
	logLevel := fs.String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*logLevel)
	fac := newMockFacilitator(*reject, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           fac.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("mock facilitator listening", "addr", *addr, "reject", *reject)
	return srv.ListenAndServe()
}
