package mysql

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ChatLink/internal/errors"
	"ChatLink/internal/outbox"
)

// 归档相关错误码。
const (
	CodeEncryptionInvalid xerrors.Code = "ARCHIVE_ENCRYPTION_INVALID"
)

// sentinel 是加密校验的哨兵明文，解锁后必须能够完整还原。
const sentinel = "chatlink-vault-ok"

func init() {
	xerrors.Register(CodeEncryptionInvalid, xerrors.Attributes{
		Message:   "archive encryption is not usable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Archive 使用 MySQL 持久化外发消息，并承担解锁后加密可用性校验。
type Archive struct {
	db  *sql.DB
	key [32]byte
}

// NewArchive 创建归档实例并初始化表结构。
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.EncryptionKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "归档加密密钥不能为空")
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开归档数据库失败")
	}

	a := &Archive{db: db, key: sha256.Sum256([]byte(cfg.EncryptionKey))}
	if err := a.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema(ctx context.Context) error {
	const messages = `CREATE TABLE IF NOT EXISTS outbox_messages (
        id VARCHAR(64) PRIMARY KEY,
        group_id VARCHAR(128) NOT NULL,
        body BLOB NOT NULL,
        created_at BIGINT NOT NULL,
        sent_at BIGINT NULL,
        INDEX idx_outbox_pending (sent_at, created_at)
)`
	if _, err := a.db.ExecContext(ctx, messages); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 outbox_messages 表失败")
	}

	const probe = `CREATE TABLE IF NOT EXISTS vault_probe (
        id TINYINT PRIMARY KEY,
        sealed VARBINARY(128) NOT NULL
)`
	if _, err := a.db.ExecContext(ctx, probe); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 vault_probe 表失败")
	}
	return nil
}

// SaveOutbound 写入一条新的外发消息。
func (a *Archive) SaveOutbound(ctx context.Context, msg *outbox.Message) error {
	if msg == nil || strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	const stmt = `INSERT INTO outbox_messages (id, group_id, body, created_at, sent_at)
        VALUES (?, ?, ?, ?, NULL)`
	_, err := a.db.ExecContext(ctx, stmt, msg.ID, msg.GroupID, msg.Body, msg.CreatedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入外发消息失败")
	}
	return nil
}

// Get 返回指定消息。
func (a *Archive) Get(ctx context.Context, id string) (*outbox.Message, error) {
	const stmt = `SELECT id, group_id, body, created_at, sent_at FROM outbox_messages WHERE id = ?`
	row := a.db.QueryRowContext(ctx, stmt, id)

	var (
		msg       outbox.Message
		createdAt int64
		sentAt    sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.GroupID, &msg.Body, &createdAt, &sentAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrMessageNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取外发消息失败")
	}
	msg.CreatedAt = time.UnixMilli(createdAt)
	if sentAt.Valid {
		at := time.UnixMilli(sentAt.Int64)
		msg.SentAt = &at
	}
	return &msg, nil
}

// MarkSent 记录消息的投递时间。
func (a *Archive) MarkSent(ctx context.Context, id string, at time.Time) error {
	const stmt = `UPDATE outbox_messages SET sent_at = ? WHERE id = ?`
	res, err := a.db.ExecContext(ctx, stmt, at.UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新投递时间失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return outbox.ErrMessageNotFound
	}
	return nil
}

// Pending 返回尚未投递的消息。
func (a *Archive) Pending(ctx context.Context, limit int) ([]*outbox.Message, error) {
	stmt := `SELECT id, group_id, body, created_at FROM outbox_messages
        WHERE sent_at IS NULL ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取待投递消息失败")
	}
	defer rows.Close()

	var pending []*outbox.Message
	for rows.Next() {
		var (
			msg       outbox.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.Body, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描待投递消息失败")
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		pending = append(pending, &msg)
	}
	return pending, rows.Err()
}

// ValidateEncryptionAfterUnlock 校验解锁后本地加密是否可用：
// 读出哨兵密文并用当前密钥还原，首次运行时写入哨兵。
func (a *Archive) ValidateEncryptionAfterUnlock(ctx context.Context) (bool, error) {
	const sel = `SELECT sealed FROM vault_probe WHERE id = 1`
	var sealed []byte
	err := a.db.QueryRowContext(ctx, sel).Scan(&sealed)
	if stdErrors.Is(err, sql.ErrNoRows) {
		sealed, err = a.seal([]byte(sentinel))
		if err != nil {
			return false, xerrors.Wrap(CodeEncryptionInvalid, err, "写入加密哨兵失败")
		}
		const ins = `INSERT INTO vault_probe (id, sealed) VALUES (1, ?)`
		if _, err := a.db.ExecContext(ctx, ins, sealed); err != nil {
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化加密哨兵失败")
		}
		return true, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取加密哨兵失败")
	}

	plain, err := a.open(sealed)
	if err != nil || string(plain) != sentinel {
		return false, nil
	}
	return true, nil
}

// Close 关闭数据库连接。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// seal 使用 AES-GCM 加密哨兵明文。
func (a *Archive) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// open 解密哨兵密文。
func (a *Archive) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, stdErrors.New("哨兵密文长度异常")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
