package http

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultCaptchaTTL is how long a captcha pass and a challenge stay valid.
const DefaultCaptchaTTL = 300 * time.Second

const (
	minCaptchaSecret = 16
	maxSolveBody     = 8 << 10
	maxOperand       = 20
)

// Captcha errors.
var (
	ErrCaptchaInvalid = errors.New("captcha: invalid token")
	ErrCaptchaExpired = errors.New("captcha: token expired")
	ErrCaptchaPath    = errors.New("captcha: token issued for another path")
	ErrCaptchaAnswer  = errors.New("captcha: wrong answer")
)

// CaptchaIssuer mints and checks human-check passes.
//
// A pass is an HS256 JWT {p: path, exp}. A challenge is an encrypted JWT
// carrying the expected answer, so the answer never reaches the page in clear.
type CaptchaIssuer struct {
	ttl       time.Duration
	passKey   []byte
	signer    jose.Signer
	sealKey   []byte
	encrypter jose.Encrypter
	now       func() time.Time
}

type passClaims struct {
	Path string `json:"p"`
}

type challengeClaims struct {
	Answer int    `json:"a"`
	Path   string `json:"p"`
}

// NewCaptchaIssuer creates an issuer. The secret must be at least 16 bytes.
// A zero ttl uses DefaultCaptchaTTL.
func NewCaptchaIssuer(secret string, ttl time.Duration) (*CaptchaIssuer, error) {
	if len(secret) < minCaptchaSecret {
		return nil, fmt.Errorf("captcha secret must be at least %d bytes", minCaptchaSecret)
	}
	if ttl <= 0 {
		ttl = DefaultCaptchaTTL
	}

	passKey := deriveKey("pass", secret)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: passKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("captcha signer: %w", err)
	}

	sealKey := deriveKey("challenge", secret)
	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: sealKey},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("captcha encrypter: %w", err)
	}

	return &CaptchaIssuer{
		ttl:       ttl,
		passKey:   passKey,
		signer:    signer,
		sealKey:   sealKey,
		encrypter: encrypter,
		now:       time.Now,
	}, nil
}

func deriveKey(purpose, secret string) []byte {
	sum := sha256.Sum256([]byte("tollbooth-captcha-" + purpose + ":" + secret))
	return sum[:]
}

// TTL returns the pass lifetime.
func (c *CaptchaIssuer) TTL() time.Duration {
	return c.ttl
}

// Issue returns a pass for path.
func (c *CaptchaIssuer) Issue(path string) (string, error) {
	expiry := c.now().Add(c.ttl)
	return jwt.Signed(c.signer).
		Claims(jwt.Claims{Expiry: jwt.NewNumericDate(expiry)}).
		Claims(passClaims{Path: NormalizePath(path)}).
		CompactSerialize()
}

// Verify checks a pass's signature, expiry and path.
func (c *CaptchaIssuer) Verify(token, path string) error {
	tok, err := jwt.ParseSigned(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaInvalid, err)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].Algorithm != string(jose.HS256) {
		return fmt.Errorf("%w: unexpected algorithm", ErrCaptchaInvalid)
	}

	var std jwt.Claims
	var claims passClaims
	if err := tok.Claims(c.passKey, &std, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaInvalid, err)
	}
	if err := c.checkExpiry(std); err != nil {
		return err
	}
	if claims.Path != NormalizePath(path) {
		return ErrCaptchaPath
	}
	return nil
}

// NewChallenge draws an addition question for path and returns it with the
// sealed challenge token the answer is checked against.
func (c *CaptchaIssuer) NewChallenge(path string) (question, token string, err error) {
	a, err := randomOperand()
	if err != nil {
		return "", "", err
	}
	b, err := randomOperand()
	if err != nil {
		return "", "", err
	}

	token, err = jwt.Encrypted(c.encrypter).
		Claims(jwt.Claims{Expiry: jwt.NewNumericDate(c.now().Add(c.ttl))}).
		Claims(challengeClaims{Answer: a + b, Path: NormalizePath(path)}).
		CompactSerialize()
	if err != nil {
		return "", "", fmt.Errorf("captcha challenge: %w", err)
	}
	return fmt.Sprintf("%d + %d", a, b), token, nil
}

// CheckAnswer verifies answer against a challenge token issued for path.
func (c *CaptchaIssuer) CheckAnswer(token, path, answer string) error {
	tok, err := jwt.ParseEncrypted(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaInvalid, err)
	}

	var std jwt.Claims
	var claims challengeClaims
	if err := tok.Claims(c.sealKey, &std, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaInvalid, err)
	}
	if err := c.checkExpiry(std); err != nil {
		return err
	}
	if claims.Path != NormalizePath(path) {
		return ErrCaptchaPath
	}

	got, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || got != claims.Answer {
		return ErrCaptchaAnswer
	}
	return nil
}

func (c *CaptchaIssuer) checkExpiry(std jwt.Claims) error {
	if std.Expiry == nil {
		return fmt.Errorf("%w: missing exp", ErrCaptchaInvalid)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: c.now()}, 0); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return ErrCaptchaExpired
		}
		return fmt.Errorf("%w: %v", ErrCaptchaInvalid, err)
	}
	return nil
}

func randomOperand() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxOperand))
	if err != nil {
		return 0, fmt.Errorf("captcha random: %w", err)
	}
	return int(n.Int64()) + 1, nil
}

type solveRequest struct {
	Answer    json.Number `json:"answer"`
	Challenge string      `json:"challenge"`
	Path      string      `json:"path"`
}

// SolveHandler checks a posted answer and, when it is right, sets the
// captcha_token cookie for the path.
//
// JSON callers get 204 or 400 {"success":false}. Form posts are redirected
// to the path, or to the path with captcha=fail.
func (c *CaptchaIssuer) SolveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxSolveBody)
		form := isFormPost(r)

		var req solveRequest
		if form {
			if err := r.ParseForm(); err != nil {
				solveFailed(w, r, "", false)
				return
			}
			req.Answer = json.Number(r.PostForm.Get("answer"))
			req.Challenge = r.PostForm.Get("challenge")
			req.Path = r.PostForm.Get("path")
		} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			solveFailed(w, r, "", false)
			return
		}

		if !validSolvePath(req.Path) {
			solveFailed(w, r, "", false)
			return
		}

		if err := c.CheckAnswer(req.Challenge, req.Path, req.Answer.String()); err != nil {
			solveFailed(w, r, req.Path, form)
			return
		}

		pass, err := c.Issue(req.Path)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     CaptchaCookieName,
			Value:    pass,
			Path:     req.Path,
			MaxAge:   int(c.ttl / time.Second),
			HttpOnly: true,
			Secure:   requestScheme(r) == "https",
			SameSite: http.SameSiteLaxMode,
		})

		if form {
			http.Redirect(w, r, req.Path, http.StatusSeeOther)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func solveFailed(w http.ResponseWriter, r *http.Request, path string, form bool) {
	if form && path != "" {
		http.Redirect(w, r, path+"?"+CaptchaQueryParam+"="+CaptchaFailValue, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"success":false}`))
}

func isFormPost(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}

// validSolvePath accepts same-origin absolute paths only.
func validSolvePath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return false
	}
	for _, ch := range p {
		if ch == '\\' || ch == '?' || ch == '#' || ch < 0x20 || ch == 0x7f {
			return false
		}
	}
	return true
}
