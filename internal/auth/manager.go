// Package auth は運用エンドポイントの認証機能を提供します。
package auth

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// ContextUserKey は、ハンドラー間で認証済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と失敗回数の状態をまとめた構造体です。
type Manager struct {
	username     string
	passwordHash string

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。username が空の場合は認証を行いません。
func NewManager(username, passwordHash string) (*Manager, error) {
	if username != "" && passwordHash == "" {
		return nil, errors.New("OPS_PASSWORD_HASH が設定されていません")
	}
	if passwordHash != "" {
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, errors.New("OPS_PASSWORD_HASH が bcrypt のハッシュではありません")
		}
	}
	return &Manager{
		username:     username,
		passwordHash: passwordHash,
		attempts:     make(map[string]*attemptState),
	}, nil
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m != nil && m.username != ""
}

func (m *Manager) verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password)) == nil
	return userOK && passOK
}

func (m *Manager) checkLock(client string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[client]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(client string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[client]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[client] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	return max(maxLoginAttempts-state.count, 0)
}

func (m *Manager) resetAttempts(client string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, client)
}
