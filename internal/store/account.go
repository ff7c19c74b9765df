package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const accountColumns = `id, username, email, password_hash, role, verified, avatar, bio,
		verification_token, reset_token, reset_expiry, created_at, updated_at`

// AccountRepository handles persistence for accounts in Postgres.
type AccountRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		account           types.Account
		verificationToken sql.NullString
		resetToken        sql.NullString
		resetExpiry       sql.NullTime
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.Verified,
		&account.Avatar,
		&account.Bio,
		&verificationToken,
		&resetToken,
		&resetExpiry,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	account.VerificationToken = verificationToken.String
	account.ResetToken = resetToken.String
	if resetExpiry.Valid {
		expiry := resetExpiry.Time
		account.ResetExpiry = &expiry
	}
	return account, nil
}

func (r *AccountRepository) getBy(ctx context.Context, column, value string) (types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + column + ` = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, value))
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	return r.getBy(ctx, "id", id)
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (types.Account, error) {
	return r.getBy(ctx, "username", username)
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	return r.getBy(ctx, "email", email)
}

func (r *AccountRepository) GetByVerificationToken(ctx context.Context, token string) (types.Account, error) {
	return r.getBy(ctx, "verification_token", token)
}

func (r *AccountRepository) GetByResetToken(ctx context.Context, token string) (types.Account, error) {
	return r.getBy(ctx, "reset_token", token)
}

// Create inserts a new account. Uniqueness of username and email is enforced
// by unique indexes; a violation is reported as a *DuplicateError.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	now := r.now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	const query = `
		INSERT INTO accounts (id, username, email, password_hash, role, verified, avatar, bio,
			verification_token, reset_token, reset_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		account.ID,
		account.Username,
		account.Email,
		account.PasswordHash,
		account.Role,
		account.Verified,
		account.Avatar,
		account.Bio,
		nullString(account.VerificationToken),
		nullString(account.ResetToken),
		nullTime(account.ResetExpiry),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return types.Account{}, mapWriteError(err)
	}
	return account, nil
}

// UpdateProfile overwrites the non-nil fields of changes and leaves every
// other column alone.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id string, changes types.ProfileChanges) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	const query = `
		UPDATE accounts
		SET username = COALESCE($2, username),
			email = COALESCE($3, email),
			bio = COALESCE($4, bio),
			updated_at = $5
		WHERE id = $1
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRowContext(
		ctx,
		query,
		id,
		nullStringPtr(changes.Username),
		nullStringPtr(changes.Email),
		nullStringPtr(changes.Bio),
		r.now().UTC(),
	))
	if err != nil {
		return types.Account{}, mapWriteError(err)
	}
	return account, nil
}

// SetPassword replaces the password hash only while the stored hash still
// equals currentHash. ErrNotFound means the account is gone or its password
// changed concurrently.
func (r *AccountRepository) SetPassword(ctx context.Context, id, currentHash, newHash string) error {
	const query = `
		UPDATE accounts
		SET password_hash = $3,
			updated_at = $4
		WHERE id = $1 AND password_hash = $2`
	result, err := r.db.ExecContext(ctx, query, id, currentHash, newHash, r.now().UTC())
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// SetResetToken opens a reset window, replacing any previous token.
func (r *AccountRepository) SetResetToken(ctx context.Context, id, token string, expiry time.Time) error {
	const query = `
		UPDATE accounts
		SET reset_token = $2,
			reset_expiry = $3,
			updated_at = $4
		WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, token, expiry.UTC(), r.now().UTC())
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func (r *AccountRepository) SetAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	const query = `
		UPDATE accounts
		SET avatar = $2,
			updated_at = $3
		WHERE id = $1
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, id, avatarURL, r.now().UTC()))
}

// SetDefaultAvatar stores avatarURL only if the account has no avatar yet and
// returns the account as stored afterwards.
func (r *AccountRepository) SetDefaultAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	const query = `
		UPDATE accounts
		SET avatar = CASE WHEN avatar = '' THEN $2 ELSE avatar END,
			updated_at = CASE WHEN avatar = '' THEN $3 ELSE updated_at END
		WHERE id = $1
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, id, avatarURL, r.now().UTC()))
}

// MarkVerified flips verified, clears the verification token and, if no
// account has claimed it yet, promotes this one to admin. The update only
// applies while the stored token still equals token, so a token is consumed
// exactly once.
func (r *AccountRepository) MarkVerified(ctx context.Context, id, token string) (types.Account, error) {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Account{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const verifyQuery = `
		UPDATE accounts
		SET verified = TRUE,
			verification_token = NULL,
			updated_at = $3
		WHERE id = $1 AND verification_token = $2 AND verified = FALSE`
	result, err := tx.ExecContext(ctx, verifyQuery, id, token, now)
	if err != nil {
		return types.Account{}, err
	}
	if err := expectAffected(result); err != nil {
		return types.Account{}, err
	}

	const claimQuery = `
		INSERT INTO admin_bootstrap (singleton, account_id, claimed_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO NOTHING`
	result, err = tx.ExecContext(ctx, claimQuery, id, now)
	if err != nil {
		return types.Account{}, err
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return types.Account{}, err
	}
	if claimed == 1 {
		const promoteQuery = `UPDATE accounts SET role = $1 WHERE id = $2`
		if _, err := tx.ExecContext(ctx, promoteQuery, types.RoleAdmin, id); err != nil {
			return types.Account{}, err
		}
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return types.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Account{}, err
	}
	return account, nil
}

// ConsumeResetToken sets a new password hash if token is still the account's
// reset token and has not expired at now. Both reset fields are cleared.
func (r *AccountRepository) ConsumeResetToken(ctx context.Context, id, token, passwordHash string, now time.Time) (types.Account, error) {
	const query = `
		UPDATE accounts
		SET password_hash = $3,
			reset_token = NULL,
			reset_expiry = NULL,
			updated_at = $4
		WHERE id = $1 AND reset_token = $2 AND reset_expiry > $4
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, id, token, passwordHash, now.UTC()))
}

func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	const query = `DELETE FROM accounts WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// DeleteUnverified removes every account that never completed verification.
func (r *AccountRepository) DeleteUnverified(ctx context.Context) (int64, error) {
	const query = `DELETE FROM accounts WHERE verified = FALSE`
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// List returns a page of accounts, newest first, and the total match count.
func (r *AccountRepository) List(ctx context.Context, filter types.AccountFilter, offset, limit int) ([]types.Account, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 10
	}

	where, args := buildAccountFilter(filter)

	countQuery := `SELECT COUNT(1) FROM accounts` + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + accountColumns + ` FROM accounts` + where +
		` ORDER BY created_at DESC OFFSET $` + strconv.Itoa(len(args)+1) + ` LIMIT $` + strconv.Itoa(len(args)+2)
	rows, err := r.db.QueryContext(ctx, listQuery, append(args, offset, limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	accounts := make([]types.Account, 0, limit)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return accounts, total, nil
}

func buildAccountFilter(filter types.AccountFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.UnverifiedOnly {
		clauses = append(clauses, "verified = FALSE")
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := strconv.Itoa(len(args))
		clauses = append(clauses, "(username ILIKE $"+n+" OR email ILIKE $"+n+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return &DuplicateError{Field: fieldFromConstraint(pqErr.Constraint)}
	}
	return err
}

func fieldFromConstraint(constraint string) string {
	switch {
	case strings.Contains(constraint, "username"):
		return "username"
	case strings.Contains(constraint, "email"):
		return "email"
	default:
		return ""
	}
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullStringPtr(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
