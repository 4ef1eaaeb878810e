package wal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const (
	DefaultSlot           = "livequery_slot"
	DefaultStandbyTimeout = 10 * time.Second
	defaultReconnect      = 5 * time.Second
	outputPlugin          = "wal2json"
)

// Handler receives one decoded WAL payload (a whole transaction).
type Handler func(data []byte) error

type Config struct {
	DSN            string
	Slot           string
	StandbyTimeout time.Duration
	// Temporary slots vanish with the connection; changes committed while
	// the reader is disconnected are lost.
	Temporary      bool
	ReconnectDelay time.Duration
}

// Reader streams wal2json output from a logical replication slot. It is the
// single, permanent goroutine that reads from PostgreSQL.
type Reader struct {
	cfg     Config
	handler Handler
	log     *zap.Logger
}

func NewReader(cfg Config, h Handler, log *zap.Logger) *Reader {
	if cfg.Slot == "" {
		cfg.Slot = DefaultSlot
	}
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = DefaultStandbyTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{cfg: cfg, handler: h, log: log.Named("wal")}
}

// Run reads until ctx ends, reconnecting after errors.
func (r *Reader) Run(ctx context.Context) error {
	for {
		err := r.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("replication connection error, reconnecting",
			zap.Error(err), zap.Duration("delay", r.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

func (r *Reader) connectAndRead(ctx context.Context) error {
	dsn, err := replicationDSN(r.cfg.DSN)
	if err != nil {
		return err
	}
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	r.log.Info("connected",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.Stringer("xlogpos", sys.XLogPos),
		zap.String("dbname", sys.DBName),
	)

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: r.cfg.Temporary})
	if err != nil && !isDuplicateObject(err) {
		return fmt.Errorf("create slot %s: %w", r.cfg.Slot, err)
	}

	pluginArguments := []string{"\"pretty-print\" 'false'", "\"include-xids\" 'true'"}
	err = pglogrepl.StartReplication(ctx, conn, r.cfg.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	r.log.Info("logical replication started", zap.String("slot", r.cfg.Slot))

	lastLSN := sys.XLogPos
	nextStandbyMessageDeadline := time.Now().Add(r.cfg.StandbyTimeout)

	for {
		if time.Now().After(nextStandbyMessageDeadline) {
			err = pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN})
			if err != nil {
				return fmt.Errorf("send standby status: %w", err)
			}
			r.log.Debug("sent standby status", zap.Stringer("lsn", lastLSN))
			nextStandbyMessageDeadline = time.Now().Add(r.cfg.StandbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("wal error: %s", errMsg.Message)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			r.log.Debug("unexpected message", zap.String("type", fmt.Sprintf("%T", rawMsg)))
			continue
		}

		var replyRequested bool
		lastLSN, replyRequested = r.handleCopyData(msg.Data, lastLSN)
		if replyRequested {
			nextStandbyMessageDeadline = time.Time{}
		}
	}
}

// handleCopyData processes one CopyData payload. It returns the new write
// position and whether the server asked for an immediate status update.
func (r *Reader) handleCopyData(data []byte, lastLSN pglogrepl.LSN) (pglogrepl.LSN, bool) {
	if len(data) == 0 {
		r.log.Debug("empty copy data")
		return lastLSN, false
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			r.log.Warn("parse keepalive", zap.Error(err))
			return lastLSN, false
		}
		return lastLSN, pkm.ReplyRequested

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			r.log.Warn("parse xlog data", zap.Error(err))
			return lastLSN, false
		}
		if err := r.handler(xld.WALData); err != nil {
			r.log.Warn("wal message dropped", zap.Error(err), zap.Stringer("lsn", xld.WALStart))
		}
		return xld.WALStart + pglogrepl.LSN(len(xld.WALData)), false
	}
	r.log.Debug("unknown copy data", zap.Uint8("type", data[0]))
	return lastLSN, false
}

// replicationDSN adds replication=database to a URL or keyword DSN.
func replicationDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		q := u.Query()
		q.Set("replication", "database")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if strings.Contains(dsn, "replication=") {
		return dsn, nil
	}
	return strings.TrimSpace(dsn + " replication=database"), nil
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}
