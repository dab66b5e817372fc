package flowsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// refresh this long before the token's exp claim
const tokenExpiryMargin = 30 * time.Second

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt string                `json:"by_jwt,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

type SessionTokenArgs struct {
}

type SessionTokenResult struct {
	Token string                   `json:"token,omitempty"`
	Error *SessionTokenResultError `json:"error,omitempty"`
}

type SessionTokenResultError struct {
	Message string `json:"message"`
}

// AuthApi talks to the session-token endpoint. Short-lived session tokens
// are cached until shortly before their exp claim so that frequent
// reconnects do not hammer the auth service. It satisfies TokenProvider.
type AuthApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	mutex        sync.Mutex
	byJwt        string
	cachedToken  string
	cachedExpiry time.Time
}

func NewAuthApi(ctx context.Context, apiUrl string) *AuthApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *AuthApi) SetByJwt(byJwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.byJwt = byJwt
	// a new principal invalidates the cached session token
	self.cachedToken = ""
	self.cachedExpiry = time.Time{}
}

func (self *AuthApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		"",
		&AuthLoginResult{},
		callback,
	)
}

func (self *AuthApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		"",
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

// SessionToken returns a token valid for at least tokenExpiryMargin,
// fetching a fresh one when the cache has expired
func (self *AuthApi) SessionToken(ctx context.Context) (string, error) {
	self.mutex.Lock()
	byJwt := self.byJwt
	if self.cachedToken != "" && time.Now().Add(tokenExpiryMargin).Before(self.cachedExpiry) {
		token := self.cachedToken
		self.mutex.Unlock()
		return token, nil
	}
	self.mutex.Unlock()

	result, err := post(
		ctx,
		fmt.Sprintf("%s/auth/session-token", self.apiUrl),
		&SessionTokenArgs{},
		byJwt,
		&SessionTokenResult{},
		NewNoopApiCallback[*SessionTokenResult](),
	)
	if err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", errors.New(result.Error.Message)
	}
	if result.Token == "" {
		return "", errors.New("empty session token")
	}

	self.mutex.Lock()
	self.cachedToken = result.Token
	self.cachedExpiry = TokenExpiry(result.Token)
	self.mutex.Unlock()

	return result.Token, nil
}

func (self *AuthApi) Close() {
	self.cancel()
}

// TokenExpiry reads the exp claim without verifying the signature.
// The zero time means no usable expiry, which disables cache reuse.
func TokenExpiry(token string) time.Time {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		return exp.Time
	}
	return time.Time{}
}
