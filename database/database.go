// Package database implements the relational persistence layer for the
// validator: connection bootstrap, schema management, row models, the
// wire-object mapper and the ORM used by the task lifecycle engine.
package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TxTimeout is the budget for a single transaction. Exceeding it cancels
// the context and rolls back.
const TxTimeout = 30 * time.Second

// Connect opens the database, verifies connectivity and applies the schema.
func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("mysql", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}

	if err := ApplySchema(db); err != nil {
		return nil, errors.Wrap(err, "apply schema")
	}

	logrus.Info("connected to database and schema applied")
	return db, nil
}

// WithTransaction runs fn inside a transaction bounded by TxTimeout.
// fn returning an error, a panic, or the timeout all roll back.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, TxTimeout)
	defer cancel()

	tx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithError(rbErr).Error("rollback failed")
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "commit transaction")
}
