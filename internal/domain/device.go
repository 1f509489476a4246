package domain

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
)

// LoginTypePassword はパスワード認証のステージ名。
const LoginTypePassword = mautrix.AuthTypePassword

// Device はアカウントに登録されたデバイスを表す。
type Device struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenIP  string `json:"last_seen_ip,omitempty"`
	LastSeenTS  int64  `json:"last_seen_ts,omitempty"`
}

// AuthFlow は受け入れ可能な認証ステージの組み合わせ。
type AuthFlow = mautrix.UIAFlow

// AuthChallenge はUser-Interactive Authenticationのチャレンジ。
// サーバーが401で返した内容であり、errors.As で取り出せる。
type AuthChallenge struct {
	mautrix.RespUserInteractive
}

// NewAuthChallenge はセッションとフローからチャレンジを組み立てる。
func NewAuthChallenge(session string, flows ...AuthFlow) *AuthChallenge {
	return &AuthChallenge{RespUserInteractive: mautrix.RespUserInteractive{Session: session, Flows: flows}}
}

func (c *AuthChallenge) Error() string {
	stages := make([]string, 0, len(c.Flows))
	for _, f := range c.Flows {
		names := make([]string, len(f.Stages))
		for i, stage := range f.Stages {
			names[i] = string(stage)
		}
		stages = append(stages, strings.Join(names, "+"))
	}
	return fmt.Sprintf("authentication required (flows: %s)", strings.Join(stages, ", "))
}

// SupportsPassword はパスワード単独で完了できるフローがあるか返す。
func (c *AuthChallenge) SupportsPassword() bool {
	for _, f := range c.Flows {
		if len(f.Stages) == 1 && f.Stages[0] == LoginTypePassword {
			return true
		}
	}
	return false
}

// PasswordAuth はパスワードによるUIA応答。
type PasswordAuth struct {
	Type       mautrix.AuthType       `json:"type"`
	Identifier mautrix.UserIdentifier `json:"identifier"`
	Password   string                 `json:"password"`
	Session    string                 `json:"session"`
}

// NewPasswordAuth はユーザーIDとパスワードでチャレンジに応答する。
func NewPasswordAuth(userID, password string, challenge *AuthChallenge) *PasswordAuth {
	return &PasswordAuth{
		Type:       LoginTypePassword,
		Identifier: mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: userID},
		Password:   password,
		Session:    challenge.Session,
	}
}
