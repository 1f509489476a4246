package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/middleware"
)

// RevokeOptions はデバイス削除の動作設定。
type RevokeOptions struct {
	// AssumeYes は削除前の確認を省略する。
	AssumeYes bool
}

// DeviceService は不要になったデバイスを削除する。
type DeviceService struct {
	api             DeviceAPI
	prompt          Prompter
	userID          string
	currentDeviceID string
}

// NewDeviceService は新しいDeviceServiceを生成する。
func NewDeviceService(api DeviceAPI, prompt Prompter, userID, currentDeviceID string) *DeviceService {
	return &DeviceService{
		api:             api,
		prompt:          prompt,
		userID:          userID,
		currentDeviceID: currentDeviceID,
	}
}

// ListDevices はアカウントのデバイス一覧を返す。
func (s *DeviceService) ListDevices(ctx context.Context) ([]domain.Device, error) {
	devices, err := s.api.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

// CurrentDeviceID は使用中のデバイスIDを返す。
func (s *DeviceService) CurrentDeviceID() string {
	return s.currentDeviceID
}

// RevokeDevice はデバイスを削除する。
// サーバーが追加認証を求めた場合はパスワード認証で1回だけ再試行し、それ以外の認証方式には対応しない。
func (s *DeviceService) RevokeDevice(ctx context.Context, deviceID string, opts RevokeOptions) error {
	ctx, span := tracer.Start(ctx, "DeviceService.RevokeDevice")
	defer span.End()

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: device id to revoke", domain.ErrConfigurationMissing)
	}
	if deviceID == s.currentDeviceID {
		return fmt.Errorf("%w: %s", domain.ErrRefuseCurrentDevice, deviceID)
	}

	if !opts.AssumeYes {
		ok, err := s.prompt.Confirm(ctx, fmt.Sprintf("Delete device %s from %s? This cannot be undone.", deviceID, s.userID))
		if err != nil {
			return fmt.Errorf("confirming device deletion: %w", err)
		}
		if !ok {
			return domain.ErrRevocationCancelled
		}
	}

	err := s.api.DeleteDevice(ctx, deviceID, nil)
	if err == nil {
		s.audit(ctx, deviceID, middleware.ResultSuccess)
		return nil
	}

	var challenge *domain.AuthChallenge
	if !errors.As(err, &challenge) {
		s.audit(ctx, deviceID, middleware.ResultFailed)
		return fmt.Errorf("%w: %v", domain.ErrDeviceRevocationFailed, err)
	}
	if challenge.Session == "" {
		s.audit(ctx, deviceID, middleware.ResultFailed)
		return fmt.Errorf("%w: challenge without session", domain.ErrAuthChallengeUnsupported)
	}
	if !challenge.SupportsPassword() {
		s.audit(ctx, deviceID, middleware.ResultFailed)
		return fmt.Errorf("%w: %v; delete the device from another client", domain.ErrAuthChallengeUnsupported, challenge)
	}

	password, err := s.prompt.Password(ctx, fmt.Sprintf("Account password for %s", s.userID))
	if err != nil {
		return fmt.Errorf("reading account password: %w", err)
	}
	if password == "" {
		s.audit(ctx, deviceID, middleware.ResultFailed)
		return fmt.Errorf("%w: ACCOUNT_PASSWORD is required to delete %s", domain.ErrConfigurationMissing, deviceID)
	}

	auth := domain.NewPasswordAuth(s.userID, password, challenge)
	if err := s.api.DeleteDevice(ctx, deviceID, auth); err != nil {
		slog.ErrorContext(ctx, "device deletion failed after authentication",
			"operation", "revoke_device",
			"device_id", deviceID,
			"error", err,
		)
		s.audit(ctx, deviceID, middleware.ResultFailed)
		return fmt.Errorf("%w: %v", domain.ErrDeviceRevocationFailed, err)
	}

	s.audit(ctx, deviceID, middleware.ResultSuccess)
	return nil
}

func (s *DeviceService) audit(ctx context.Context, deviceID, result string) {
	middleware.WriteAuditLog(ctx, "DELETE_DEVICE", s.userID, deviceID, result)
}
