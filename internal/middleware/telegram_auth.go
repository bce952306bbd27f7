package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/logger"

	"nft-raffle/internal/models"
)

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type ctxKey struct{}

// DefaultInitDataMaxAge is how long signed initData is accepted when
// Auth.MaxAge is unset.
const DefaultInitDataMaxAge = 24 * time.Hour

// initData signed further ahead than this is rejected
const maxClockSkew = time.Minute

// Auth resolves the calling principal from Telegram WebApp initData or from
// BasicAuth credentials.
type Auth struct {
	BotToken       string
	AdminPassword  string
	AdminPrincipal models.Principal
	MaxAge         time.Duration
}

// PrincipalFrom returns the principal stored by Auth.Middleware.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(models.Principal)
	return p, ok && !p.IsZero()
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// TelegramPrincipal is the principal of a Telegram user.
func TelegramPrincipal(userID int64) models.Principal {
	return models.Principal("tg:" + strconv.FormatInt(userID, 10))
}

func (a Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.checkBasicAuth(r) {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), a.AdminPrincipal)))
			return
		}

		if initData := initDataFrom(r); initData != "" {
			maxAge := a.MaxAge
			if maxAge <= 0 {
				maxAge = DefaultInitDataMaxAge
			}
			user, valid := ValidateInitData(initData, a.BotToken, maxAge, time.Now())
			if valid {
				logger.Infof("Telegram user authenticated: %s (ID: %d)", user.FirstName, user.ID)
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), TelegramPrincipal(user.ID))))
				return
			}
			logger.Warning("Invalid Telegram initData")
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="NFT Raffle"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication required"}`))
	})
}

func initDataFrom(r *http.Request) string {
	if v := r.Header.Get("X-Telegram-Init-Data"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tg_init_data"); v != "" {
		return v
	}
	if cookie, err := r.Cookie("tg_init_data"); err == nil {
		if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
			return decoded
		}
	}
	return ""
}

func (a Auth) checkBasicAuth(r *http.Request) bool {
	if a.AdminPassword == "" || a.AdminPrincipal.IsZero() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := hmac.Equal([]byte(user), []byte("admin"))
	passOK := hmac.Equal([]byte(pass), []byte(a.AdminPassword))
	return userOK && passOK
}

// ValidateInitData checks the initData hash against botToken and returns the
// embedded user. initData whose auth_date is older than maxAge at now, or
// missing, is rejected so a captured payload cannot be replayed indefinitely.
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (*TelegramUser, bool) {
	if botToken == "" {
		return nil, false
	}

	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, false
	}
	hash := params.Get("hash")
	if hash == "" {
		return nil, false
	}

	expected := SignInitData(params, botToken)
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return nil, false
	}

	authDate, err := strconv.ParseInt(params.Get("auth_date"), 10, 64)
	if err != nil || authDate <= 0 {
		return nil, false
	}
	signedAt := time.Unix(authDate, 0)
	if now.Sub(signedAt) > maxAge || signedAt.Sub(now) > maxClockSkew {
		return nil, false
	}

	userJSON := params.Get("user")
	if userJSON == "" {
		return nil, false
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil || user.ID == 0 {
		return nil, false
	}
	return &user, true
}

// SignInitData computes the hex hash Telegram attaches to initData.
func SignInitData(params url.Values, botToken string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}

	// secret = HMAC-SHA256("WebAppData", token)
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
