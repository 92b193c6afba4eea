package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

type Config struct {
	Driver          string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// MultiStatements lets one Exec carry several statements (migrations).
	MultiStatements bool
	PingTimeout     time.Duration
}

// Handle is an open connection pool together with the dialect it speaks.
type Handle struct {
	DB      *sql.DB
	Dialect Dialect
	target  string
}

func NewHandle(db *sql.DB, dialect Dialect) *Handle {
	return &Handle{DB: db, Dialect: dialect, target: dialect.Name}
}

// Target is a credential-free description of the connection, safe to log.
func (h *Handle) Target() string {
	if h == nil {
		return ""
	}
	return h.target
}

func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

func Open(ctx context.Context, cfg Config) (*Handle, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := BuildDSN(dialect, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Name, err)
	}

	if dialect.FileBased && isInMemory(cfg.Name) {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect.Name, err)
	}

	return &Handle{DB: db, Dialect: dialect, target: describeTarget(dialect, cfg)}, nil
}

func BuildDSN(dialect Dialect, cfg Config) (string, error) {
	if dialect.FileBased {
		name := strings.TrimSpace(cfg.Name)
		if dialect.Name == "sqlite" && name == "" {
			name = ":memory:"
		}
		return name, nil
	}

	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return "", fmt.Errorf("database host is required")
	}
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		port = dialect.DefaultPort
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return "", fmt.Errorf("database name is required")
	}
	addr := net.JoinHostPort(host, port)

	switch dialect.Name {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = strings.TrimSpace(cfg.User)
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = name
		mc.ParseTime = true
		mc.MultiStatements = cfg.MultiStatements
		return mc.FormatDSN(), nil
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(strings.TrimSpace(cfg.User), cfg.Password),
			Host:   addr,
			Path:   "/" + name,
		}
		return u.String(), nil
	case "sqlserver":
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(strings.TrimSpace(cfg.User), cfg.Password),
			Host:     addr,
			RawQuery: url.Values{"database": []string{name}}.Encode(),
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", dialect.Name)
	}
}

func describeTarget(dialect Dialect, cfg Config) string {
	if dialect.FileBased {
		name := strings.TrimSpace(cfg.Name)
		if isInMemory(name) {
			name = ":memory:"
		}
		return dialect.Name + ":" + name
	}
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		port = dialect.DefaultPort
	}
	return fmt.Sprintf("%s://%s@%s/%s", dialect.Name, strings.TrimSpace(cfg.User), net.JoinHostPort(strings.TrimSpace(cfg.Host), port), strings.TrimSpace(cfg.Name))
}

func isInMemory(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == ":memory:" || strings.Contains(name, "mode=memory")
}
