package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"key-backup-migrator/internal/crypto"
	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/middleware"
)

// ReusePolicy は既存のバックアップバージョンが見つかった場合の扱い。
type ReusePolicy int

const (
	// ReuseAsk はオペレーターに確認する。
	ReuseAsk ReusePolicy = iota
	// ReuseExisting は確認せずに既存のバージョンを使う。
	ReuseExisting
	// CreateNew は既存のバージョンを残したまま新しいバージョンを作る。
	CreateNew
)

// BackupOptions はBackupServiceの動作設定。
type BackupOptions struct {
	UserID     string
	DeviceID   string
	BatchDelay time.Duration
}

// BackupService はバックアップバージョンの作成から鍵の送信、件数照合までを行う。
type BackupService struct {
	api       BackupAPI
	engine    CryptoEngine
	keys      KeysSource
	state     StateStore
	artifacts ArtifactStore
	prompt    Prompter
	opts      BackupOptions
	validate  *validator.Validate
	limiter   *rate.Limiter
}

// NewBackupService は新しいBackupServiceを生成する。
func NewBackupService(api BackupAPI, engine CryptoEngine, keys KeysSource, state StateStore, artifacts ArtifactStore, prompt Prompter, opts BackupOptions) *BackupService {
	limit := rate.Inf
	if opts.BatchDelay > 0 {
		limit = rate.Every(opts.BatchDelay)
	}
	return &BackupService{
		api:       api,
		engine:    engine,
		keys:      keys,
		state:     state,
		artifacts: artifacts,
		prompt:    prompt,
		opts:      opts,
		validate:  validator.New(),
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// EnsureBackup は鍵の送信先となるバックアップバージョンを決める。
// 既存のバージョンは変更も削除もしない。
func (s *BackupService) EnsureBackup(ctx context.Context, policy ReusePolicy) (*domain.ActiveBackup, error) {
	ctx, span := tracer.Start(ctx, "BackupService.EnsureBackup")
	defer span.End()

	current, err := s.api.GetCurrentBackupVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching current backup version: %w", err)
	}

	if current != nil {
		reuse, err := s.shouldReuse(ctx, current, policy)
		if err != nil {
			return nil, err
		}
		if reuse {
			if current.Algorithm != domain.BackupAlgorithmMegolmV1 {
				return nil, fmt.Errorf("%w: backup version %s uses %q", domain.ErrUnsupportedAlgorithm, current.Version, current.Algorithm)
			}
			active := &domain.ActiveBackup{
				Version:     current.Version,
				PublicKey:   string(current.AuthData.PublicKey),
				PreExisting: current.Count,
			}
			slog.InfoContext(ctx, "reusing existing backup version", "version", active.Version, "count", active.PreExisting)
			return active, s.recordVersion(ctx, active.Version)
		}
	}

	active, err := s.createVersion(ctx)
	if err != nil {
		return nil, err
	}
	return active, s.recordVersion(ctx, active.Version)
}

func (s *BackupService) shouldReuse(ctx context.Context, current *domain.BackupVersion, policy ReusePolicy) (bool, error) {
	switch policy {
	case ReuseExisting:
		return true, nil
	case CreateNew:
		return false, nil
	}
	question := fmt.Sprintf("Backup version %s already holds %d keys. Reuse it? (no creates a new version alongside)", current.Version, current.Count)
	return s.prompt.Confirm(ctx, question)
}

// createVersion は新しい秘密鍵を生成し、成果物を保存してからサーバーにバージョンを作成する。
func (s *BackupService) createVersion(ctx context.Context) (*domain.ActiveBackup, error) {
	seed, err := crypto.GenerateSeed()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(seed)

	publicKey, err := s.engine.DerivePublicKey(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	recoveryKey, err := SeedToRecoveryKey(seed)
	if err != nil {
		return nil, err
	}

	// サーバーに登録する前に鍵を保存する
	if err := s.artifacts.SavePrivateKey(ctx, seed); err != nil {
		return nil, err
	}
	if err := s.artifacts.SaveRecoveryKey(ctx, recoveryKey); err != nil {
		return nil, err
	}
	if err := s.artifacts.SavePublicKey(ctx, publicKey); err != nil {
		return nil, err
	}

	version, err := s.api.CreateBackupVersion(ctx, domain.BackupAlgorithmMegolmV1, domain.BackupAuthData{PublicKey: id.Ed25519(publicKey)})
	if err != nil {
		middleware.WriteAuditLog(ctx, "CREATE_BACKUP_VERSION", s.opts.UserID, "", middleware.ResultFailed)
		return nil, fmt.Errorf("creating backup version: %w", err)
	}
	middleware.WriteAuditLog(ctx, "CREATE_BACKUP_VERSION", s.opts.UserID, version, middleware.ResultSuccess)
	slog.InfoContext(ctx, "created backup version", "version", version)

	return &domain.ActiveBackup{
		Version:     version,
		PublicKey:   publicKey,
		Created:     true,
		RecoveryKey: recoveryKey,
	}, nil
}

func (s *BackupService) recordVersion(ctx context.Context, version string) error {
	_, err := s.state.Merge(ctx, domain.MigrationState{UserID: s.opts.UserID, BackupVersion: version})
	return err
}

// ImportKeys は抽出済み鍵ファイルを検証し、全件を一度に暗号エンジンへ渡す。
func (s *BackupService) ImportKeys(ctx context.Context) (domain.ImportResult, error) {
	ctx, span := tracer.Start(ctx, "BackupService.ImportKeys")
	defer span.End()

	extracted, err := s.keys.Load(ctx)
	if err != nil {
		return domain.ImportResult{}, err
	}
	if err := s.validate.Struct(extracted); err != nil {
		return domain.ImportResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidExtractedKeys, err)
	}

	keys := extracted.AllKeys
	if len(keys) == 0 {
		for _, roomKeys := range extracted.KeysByRoom {
			keys = append(keys, roomKeys...)
		}
		if err := s.validate.Var(keys, "dive"); err != nil {
			return domain.ImportResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidExtractedKeys, err)
		}
	}
	if extracted.TotalKeys != 0 && extracted.TotalKeys != len(keys) {
		slog.WarnContext(ctx, "extracted keys file total does not match its contents",
			"total_keys", extracted.TotalKeys,
			"found", len(keys),
		)
	}

	result, err := s.engine.ImportKeys(ctx, keys)
	if err != nil {
		return result, fmt.Errorf("importing keys into crypto engine: %w", err)
	}
	if result.Imported == 0 {
		slog.WarnContext(ctx, "no new keys imported; they may already be known to the crypto engine", "total", result.Total)
	} else {
		slog.InfoContext(ctx, "imported keys", "imported", result.Imported, "total", result.Total)
	}
	return result, nil
}

// EnableBackup は暗号エンジンのバックアップ先を設定する。
func (s *BackupService) EnableBackup(ctx context.Context, active *domain.ActiveBackup) error {
	if err := s.engine.EnableBackup(ctx, active.PublicKey, active.Version); err != nil {
		return fmt.Errorf("enabling backup %s in crypto engine: %w", active.Version, err)
	}
	return nil
}

// Upload は暗号エンジンが生成するバッチを尽きるまで送信し、1件ずつ確認応答する。
// 送信と確認応答の途中ではキャンセルされず、キャンセルはバッチの間でのみ反映される。
// 失敗した場合もそれまでの結果を返す。
func (s *BackupService) Upload(ctx context.Context, version string) (*domain.UploadReport, error) {
	ctx, span := tracer.Start(ctx, "BackupService.Upload")
	defer span.End()

	report := &domain.UploadReport{}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("upload interrupted after %d batches: %w", report.Batches, err)
		}

		req, err := s.engine.ProduceUploadBatch(ctx)
		if err != nil {
			return report, fmt.Errorf("producing upload batch: %w", err)
		}
		if req == nil {
			break
		}

		keys := req.Body.KeyCount()
		if err := s.sendBatch(context.WithoutCancel(ctx), version, req, report); err != nil {
			slog.ErrorContext(ctx, "upload batch failed",
				"operation", "upload",
				"batch", report.Batches+1,
				"keys", keys,
				"keys_sent", report.KeysSent,
				"error", err,
			)
			return report, err
		}
		slog.InfoContext(ctx, "uploaded batch",
			"batch", report.Batches,
			"keys", keys,
			"rooms", len(req.Body.Rooms),
			"keys_sent", report.KeysSent,
		)
	}
	return report, nil
}

// sendBatch は1バッチを送信し、サーバーの応答をそのまま暗号エンジンに渡す。
func (s *BackupService) sendBatch(ctx context.Context, version string, req *domain.PendingUploadRequest, report *domain.UploadReport) error {
	resp, err := s.api.UploadKeys(ctx, version, req.Body)
	if err != nil {
		return fmt.Errorf("%w: batch %d: %v", domain.ErrUploadBatchFailed, report.Batches+1, err)
	}
	if err := s.engine.Acknowledge(ctx, req.ID, resp); err != nil {
		return fmt.Errorf("acknowledging batch %d: %w", report.Batches+1, err)
	}

	report.Batches++
	report.KeysSent += req.Body.KeyCount()
	report.RoomsSent += len(req.Body.Rooms)

	var parsed domain.UploadKeysResponse
	if err := json.Unmarshal(resp, &parsed); err == nil {
		report.ServerCount = parsed.Count
		report.ServerETag = parsed.ETag
	}
	return nil
}

// Reconcile はサーバーの件数を既存件数とインポート件数の合計と比較する。結果は報告のみに使う。
func (s *BackupService) Reconcile(ctx context.Context, version string, preExisting, imported int) (*domain.ReconcileReport, error) {
	v, err := s.api.GetBackupVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("fetching backup version %s: %w", version, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: version %s", domain.ErrNoActiveBackup, version)
	}

	report := &domain.ReconcileReport{
		PreExisting: preExisting,
		Imported:    imported,
		Expected:    preExisting + imported,
		ServerCount: v.Count,
	}
	switch {
	case v.Count >= report.Expected:
		report.Outcome = domain.ReconcileVerified
		slog.InfoContext(ctx, "backup count verified", "count", v.Count, "expected", report.Expected)
	case v.Count > preExisting:
		report.Outcome = domain.ReconcilePartial
		slog.WarnContext(ctx, "backup count lower than expected", "count", v.Count, "expected", report.Expected)
	default:
		report.Outcome = domain.ReconcileUnchanged
		slog.WarnContext(ctx, "backup count unchanged; keys likely already existed", "count", v.Count)
	}
	return report, nil
}

// Run はバックアップライフサイクル全体を順に実行する。
func (s *BackupService) Run(ctx context.Context, policy ReusePolicy) (*domain.RunReport, error) {
	ctx, span := tracer.Start(ctx, "BackupService.Run")
	defer span.End()

	report := &domain.RunReport{}

	// 鍵ファイルが無いままバージョンを作成しないよう先に確認する
	if !s.keys.Exists() {
		return report, fmt.Errorf("%w: extracted keys file not found; run the key extractor first", domain.ErrConfigurationMissing)
	}

	active, err := s.EnsureBackup(ctx, policy)
	if err != nil {
		return report, err
	}
	report.Backup = active
	return report, s.complete(ctx, active, report)
}

// Continue は作成済みのバージョンに対してインポートから件数照合までをやり直す。
// 前回の実行が途中で終わった場合に使う。
func (s *BackupService) Continue(ctx context.Context, version string) (*domain.RunReport, error) {
	ctx, span := tracer.Start(ctx, "BackupService.Continue")
	defer span.End()

	report := &domain.RunReport{}

	v, err := s.api.GetBackupVersion(ctx, version)
	if err != nil {
		return report, fmt.Errorf("fetching backup version %s: %w", version, err)
	}
	if v == nil {
		return report, fmt.Errorf("%w: version %s", domain.ErrNoActiveBackup, version)
	}
	if v.Algorithm != domain.BackupAlgorithmMegolmV1 {
		return report, fmt.Errorf("%w: backup version %s uses %q", domain.ErrUnsupportedAlgorithm, v.Version, v.Algorithm)
	}

	report.Backup = &domain.ActiveBackup{
		Version:     v.Version,
		PublicKey:   string(v.AuthData.PublicKey),
		PreExisting: v.Count,
	}
	return report, s.complete(ctx, report.Backup, report)
}

func (s *BackupService) complete(ctx context.Context, active *domain.ActiveBackup, report *domain.RunReport) error {
	var err error
	if report.Import, err = s.ImportKeys(ctx); err != nil {
		return err
	}
	if err := s.EnableBackup(ctx, active); err != nil {
		return err
	}
	if report.Upload, err = s.Upload(ctx, active.Version); err != nil {
		return err
	}
	if report.Reconcile, err = s.Reconcile(ctx, active.Version, active.PreExisting, report.Import.Imported); err != nil {
		return err
	}

	if s.opts.DeviceID != "" {
		if _, err := s.state.Merge(ctx, domain.MigrationState{NewDeviceID: s.opts.DeviceID}); err != nil {
			return err
		}
	}
	return nil
}

// Verify は出力ディレクトリの鍵でサーバー上のバックアップを全件復号し、読み戻せることを確認する。
// versionが空の場合は最新のバージョンを対象にする。
func (s *BackupService) Verify(ctx context.Context, version string) (*domain.VerifyReport, error) {
	ctx, span := tracer.Start(ctx, "BackupService.Verify")
	defer span.End()

	v, err := s.lookupVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	seed, err := s.loadSeed(ctx)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(seed)

	publicKey, err := s.engine.DerivePublicKey(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	if !KeysMatch(publicKey, string(v.AuthData.PublicKey)) {
		return nil, fmt.Errorf("%w: stored key does not belong to backup version %s", domain.ErrKeyMismatch, v.Version)
	}

	keys, err := s.api.GetRoomKeys(ctx, v.Version)
	if err != nil {
		return nil, fmt.Errorf("fetching keys of backup version %s: %w", v.Version, err)
	}

	report := &domain.VerifyReport{Version: v.Version, ServerCount: v.Count}
	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			report.Checked++
			if err := openSession(seed, data); err != nil {
				slog.WarnContext(ctx, "backed up session cannot be decrypted",
					"room_id", roomID,
					"session_id", sessionID,
					"error", err,
				)
				report.Failed = append(report.Failed, domain.SessionRef{RoomID: roomID, SessionID: sessionID})
			}
		}
	}
	sort.Slice(report.Failed, func(i, j int) bool {
		if report.Failed[i].RoomID != report.Failed[j].RoomID {
			return report.Failed[i].RoomID < report.Failed[j].RoomID
		}
		return report.Failed[i].SessionID < report.Failed[j].SessionID
	})

	if len(report.Failed) > 0 {
		middleware.WriteAuditLog(ctx, "VERIFY_BACKUP", s.opts.UserID, v.Version, middleware.ResultFailed)
		return report, fmt.Errorf("%w: %d of %d sessions in version %s", domain.ErrBackupVerificationFailed, len(report.Failed), report.Checked, v.Version)
	}
	middleware.WriteAuditLog(ctx, "VERIFY_BACKUP", s.opts.UserID, v.Version, middleware.ResultSuccess)
	slog.InfoContext(ctx, "backup verified", "version", v.Version, "checked", report.Checked)
	return report, nil
}

func (s *BackupService) lookupVersion(ctx context.Context, version string) (*domain.BackupVersion, error) {
	var (
		v   *domain.BackupVersion
		err error
	)
	if version == "" {
		v, err = s.api.GetCurrentBackupVersion(ctx)
	} else {
		v, err = s.api.GetBackupVersion(ctx, version)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching backup version: %w", err)
	}
	if v == nil {
		return nil, domain.ErrNoActiveBackup
	}
	if v.Algorithm != domain.BackupAlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: backup version %s uses %q", domain.ErrUnsupportedAlgorithm, v.Version, v.Algorithm)
	}
	return v, nil
}

// loadSeed は保存済みの秘密鍵を読み込む。秘密鍵ファイルが無ければリカバリーキーから復元する。
func (s *BackupService) loadSeed(ctx context.Context) ([]byte, error) {
	seed, err := s.artifacts.LoadPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	if seed != nil {
		if len(seed) != seedSize {
			memguard.WipeBytes(seed)
			return nil, fmt.Errorf("%w: stored private key is %d bytes", domain.ErrInvalidRecoveryKey, len(seed))
		}
		return seed, nil
	}

	recoveryKey, err := s.artifacts.LoadRecoveryKey(ctx)
	if err != nil {
		return nil, err
	}
	if recoveryKey == "" {
		return nil, fmt.Errorf("%w: no backup key in the output directory; run 'backupctl recover' or 'backupctl backup create'", domain.ErrConfigurationMissing)
	}
	return RecoveryKeyToSeed(recoveryKey)
}

func openSession(seed []byte, data domain.KeyBackupData) error {
	session, err := crypto.OpenSessionData[domain.SessionPayload](seed, data.SessionData)
	if err != nil {
		return err
	}
	if session.SessionKey == "" {
		return errors.New("session data has no session key")
	}
	return nil
}
