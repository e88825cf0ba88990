// Package store is the durable account store: accounts, contacts, login
// history and message counters, on sqlite. It is the only resource shared by
// the connection goroutines and the liveness ticker, so every read-modify-
// write goes through a transaction or a single atomic statement.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoAccount = errors.New("store: no such account")
	ErrDuplicate = errors.New("store: account already exists")
	ErrNoKey     = errors.New("store: no public key for account")
)

type Store struct {
	conn *sql.DB
}

// ActiveAccount is one live login as recorded by the store.
type ActiveAccount struct {
	Name      string
	Addr      string
	LoginTime time.Time
}

// Stats are the per-account message counters.
type Stats struct {
	Name     string
	Sent     int64
	Accepted int64
}

func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			verifier BLOB NOT NULL,
			pubkey TEXT,
			last_login TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS active (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT UNIQUE NOT NULL,
			addr TEXT NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			at TEXT NOT NULL,
			addr TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS message_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT UNIQUE NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_history_account ON login_history(account)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	// Sessions do not survive a restart; stale active rows would claim
	// logins that no longer exist.
	if _, err := s.conn.Exec("DELETE FROM active"); err != nil {
		return err
	}
	return nil
}

// RegisterAccount creates an account with a pre-derived verifier and its
// counters row. The raw password never reaches the store.
func (s *Store) RegisterAccount(name string, verifier []byte) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM accounts WHERE name = ?", name).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}
	if _, err := tx.Exec("INSERT INTO accounts (name, verifier) VALUES (?, ?)", name, verifier); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO message_stats (account) VALUES (?)", name); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveAccount deletes an account and cascades to every dependent row,
// including contact edges where the account is the far endpoint.
func (s *Store) RemoveAccount(name string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM accounts WHERE name = ?", name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoAccount
	}
	for _, q := range []string{
		"DELETE FROM active WHERE account = ?",
		"DELETE FROM login_history WHERE account = ?",
		"DELETE FROM contacts WHERE owner = ? OR contact = ?",
		"DELETE FROM message_stats WHERE account = ?",
	} {
		args := []interface{}{name}
		if q == "DELETE FROM contacts WHERE owner = ? OR contact = ?" {
			args = append(args, name)
		}
		if _, err := tx.Exec(q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AccountExists(name string) (bool, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// VerifierOf returns the stored password verifier.
func (s *Store) VerifierOf(name string) ([]byte, error) {
	var verifier []byte
	err := s.conn.QueryRow("SELECT verifier FROM accounts WHERE name = ?", name).Scan(&verifier)
	if err == sql.ErrNoRows {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	return verifier, nil
}

// PublicKeyOf returns the account's stored public key. A registered account
// that has never logged in has none.
func (s *Store) PublicKeyOf(name string) (string, error) {
	var pubkey sql.NullString
	err := s.conn.QueryRow("SELECT pubkey FROM accounts WHERE name = ?", name).Scan(&pubkey)
	if err == sql.ErrNoRows {
		return "", ErrNoAccount
	}
	if err != nil {
		return "", err
	}
	if !pubkey.Valid || pubkey.String == "" {
		return "", ErrNoKey
	}
	return pubkey.String, nil
}

// RecordLogin marks a successful handshake: refresh last-login and public
// key, bind the account to addr in the active table, append to history.
func (s *Store) RecordLogin(name, addr, pubkey string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(
		"UPDATE accounts SET last_login = ?, pubkey = ? WHERE name = ?",
		now, pubkey, name,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoAccount
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO active (account, addr, login_time) VALUES (?, ?, ?)",
		name, addr, now,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO login_history (account, at, addr) VALUES (?, ?, ?)",
		name, now, addr,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RecordLogout(name string) error {
	_, err := s.conn.Exec("DELETE FROM active WHERE account = ?", name)
	return err
}

func (s *Store) ListAccounts() ([]string, error) {
	rows, err := s.conn.Query("SELECT name FROM accounts ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) ListActiveAccounts() ([]ActiveAccount, error) {
	rows, err := s.conn.Query("SELECT account, addr, login_time FROM active ORDER BY account")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []ActiveAccount
	for rows.Next() {
		var a ActiveAccount
		var loginTime string
		if err := rows.Scan(&a.Name, &a.Addr, &loginTime); err != nil {
			return nil, err
		}
		a.LoginTime, _ = time.Parse(time.RFC3339, loginTime)
		active = append(active, a)
	}
	return active, rows.Err()
}

func (s *Store) ContactsOf(name string) ([]string, error) {
	rows, err := s.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddContact adds a directed owner -> contact edge. Both endpoints must
// exist; a duplicate edge is a no-op.
func (s *Store) AddContact(owner, contact string) error {
	for _, name := range []string{owner, contact} {
		exists, err := s.AccountExists(name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNoAccount, name)
		}
	}
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)",
		owner, contact,
	)
	return err
}

// RemoveContact removes an edge; a missing edge is a no-op.
func (s *Store) RemoveContact(owner, contact string) error {
	_, err := s.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	return err
}

// BumpSent increments the sent counter for one routed message.
func (s *Store) BumpSent(name string) error {
	return s.bump(name, "sent")
}

// BumpAccepted increments the accepted counter for one routed message.
func (s *Store) BumpAccepted(name string) error {
	return s.bump(name, "accepted")
}

func (s *Store) bump(name, column string) error {
	// column is one of two compile-time constants, never caller input.
	q := "UPDATE message_stats SET " + column + " = " + column + " + 1 WHERE account = ?"
	res, err := s.conn.Exec(q, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoAccount
	}
	return nil
}

// StatsOf returns an account's message counters.
func (s *Store) StatsOf(name string) (Stats, error) {
	st := Stats{Name: name}
	err := s.conn.QueryRow(
		"SELECT sent, accepted FROM message_stats WHERE account = ?", name,
	).Scan(&st.Sent, &st.Accepted)
	if err == sql.ErrNoRows {
		return st, ErrNoAccount
	}
	return st, err
}
