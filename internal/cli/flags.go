package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func addLimitFlag(fs *pflag.FlagSet, limit *int, def int) {
	fs.IntVar(limit, "limit", def, "Maximum number of rows")
}

// consentKey is the (tenant, user, scope) triple shared by consent commands.
type consentKey struct {
	tenant string
	user   string
	scope  string
}

func (k *consentKey) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&k.tenant, "tenant", "", "Tenant id (defaults to global)")
	fs.StringVar(&k.user, "user", "", "User id")
	fs.StringVar(&k.scope, "scope", "", "Consent scope")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("scope")
}

// timeFlag parses RFC 3339 timestamps; unset stays nil.
type timeFlag struct {
	t *time.Time
}

var _ pflag.Value = (*timeFlag)(nil)

func (f *timeFlag) String() string {
	if f.t == nil {
		return ""
	}
	return f.t.Format(time.RFC3339)
}

func (f *timeFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		f.t = nil
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fmt.Errorf("expected RFC 3339 timestamp: %w", err)
	}
	t = t.UTC()
	f.t = &t
	return nil
}

func (f *timeFlag) Type() string { return "time" }
