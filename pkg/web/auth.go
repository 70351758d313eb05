// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"rtprec/pkg/log"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// BasicAuth guards handlers with a single account.
// Disabled if username is empty.
type BasicAuth struct {
	username     string
	passwordHash []byte
	logger       log.ILogger
}

// NewBasicAuth returns basic authenticator.
func NewBasicAuth(username string, passwordHash string, logger log.ILogger) *BasicAuth {
	return &BasicAuth{
		username:     username,
		passwordHash: []byte(passwordHash),
		logger:       logger,
	}
}

// Enabled returns true if an account is configured.
func (a *BasicAuth) Enabled() bool {
	return a.username != ""
}

// ValidateRequest returns true if the request carries valid credentials.
func (a *BasicAuth) ValidateRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		a.logFailedLogin(r, username)
		return false
	}
	if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
		a.logFailedLogin(r, username)
		return false
	}
	return true
}

// User blocks unauthenticated requests.
func (a *BasicAuth) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rtprec"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logFailedLogin finds and logs the ip.
func (a *BasicAuth) logFailedLogin(r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	a.logger.Log(log.Entry{
		Level: log.LevelInfo,
		Src:   "auth",
		Msg:   fmt.Sprintf("failed login: username: %v %v", username, ip),
	})
}

// HashPassword returns bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptHashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
