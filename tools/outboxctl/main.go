// Command outboxctl is the operator tool for outbox and inbox tables: it
// prints DDL, lists and requeues dead outbox rows through a relay-service,
// purges old inbox entries and checks relay health.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/grpcx"
	"github.com/md-rashed-zaman/msgcore/libs/inbox"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
)

const usage = `usage: outboxctl <command> [flags]

commands:
  schema       print outbox and inbox DDL
  dead         list dead outbox rows of a module
  requeue      give a dead row a fresh retry budget
  stats        pending and dead counts per module
  purge-inbox  delete inbox entries older than a cutoff
  health       query the relay's grpc.health.v1 service
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fatal(err.Error())
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "schema":
		return schemaCmd(args, out)
	case "dead", "requeue", "stats":
		return adminCmd(ctx, cmd, args, out)
	case "purge-inbox":
		return purgeCmd(ctx, args, out)
	case "health":
		return healthCmd(ctx, args, out)
	case "-h", "--help", "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func schemaCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	outboxTable := fs.String("outbox", "", "outbox table name")
	inboxTable := fs.String("inbox", "", "inbox table name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outboxTable == "" && *inboxTable == "" {
		return errors.New("schema: -outbox or -inbox is required")
	}
	if *outboxTable != "" {
		ddl, err := outbox.Schema(*outboxTable)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.TrimSpace(ddl))
	}
	if *inboxTable != "" {
		ddl, err := inbox.Schema(*inboxTable)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.TrimSpace(ddl))
	}
	return nil
}

func adminCmd(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	baseURL := fs.String("base-url", getenv("RELAY_ADMIN_URL", "http://localhost:8090"), "relay-service base url")
	token := fs.String("token", getenv("ADMIN_TOKEN", ""), "admin bearer token")
	module := fs.String("module", "", "module name (optional when the relay serves one module)")
	limit := fs.Int("limit", 100, "max rows to list")
	id := fs.String("id", "", "outbox message id (requeue)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *module != "" {
		q.Set("module", *module)
	}
	method, path := http.MethodGet, ""
	switch cmd {
	case "dead":
		q.Set("limit", fmt.Sprint(*limit))
		path = "/admin/outbox/dead"
	case "stats":
		path = "/admin/outbox/stats"
	case "requeue":
		parsed, err := uuid.Parse(*id)
		if err != nil {
			return fmt.Errorf("requeue: -id must be a uuid: %w", err)
		}
		method = http.MethodPost
		path = "/admin/outbox/dead/" + parsed.String() + "/requeue"
	}

	target := strings.TrimRight(*baseURL, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status=%d %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		_, err = out.Write(body)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func purgeCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge-inbox", flag.ContinueOnError)
	dsn := fs.String("database-url", getenv("DATABASE_URL", ""), "postgres connection string")
	table := fs.String("table", "", "inbox table name")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "delete entries processed before now minus this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" || *table == "" {
		return errors.New("purge-inbox: -database-url and -table are required")
	}

	store, err := inbox.NewPGStore(*table)
	if err != nil {
		return err
	}
	pool, err := db.Open(ctx, *dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	cutoff := time.Now().UTC().Add(-*olderThan)
	n, err := store.Purge(ctx, pool, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "purged=%d cutoff=%s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func healthCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("grpc-addr", getenv("RELAY_GRPC_ADDR", "localhost:9090"), "relay-service gRPC address")
	service := fs.String("service", "", "health service name (empty for overall status)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := grpcx.NewClient(*addr, grpcx.DialOptions{})
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status=%s\n", resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.New("relay is not serving")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
