package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/api"
	"github.com/platinummonkey/clinaudit/pkg/archive"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

func withRuntime(ctx context.Context, env *Env, fn func(rt *api.Runtime) error) error {
	rt, err := env.Open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(rt)
}

func printJSON(env *Env, v interface{}) error {
	enc := json.NewEncoder(env.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFlags(env *Env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Out)
	return fs
}

func newMigrateCommand() *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Run: func(ctx context.Context, env *Env, args []string) error {
			if err := newFlags(env, "migrate").Parse(args); err != nil {
				return err
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				applied, err := api.Migrate(ctx, rt.Conns)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "Applied %d migrations\n", applied)
				return nil
			})
		},
	}
}

func newGrantCommand() *Command {
	return &Command{
		Name:        "grant",
		Description: "Grant a user a role on a study",
		Run:         runGrant,
	}
}

func runGrant(ctx context.Context, env *Env, args []string) error {
	fs := newFlags(env, "grant")
	user := fs.String("user", "", "User to grant")
	study := fs.String("study", "", "Study id")
	role := fs.String("role", "", "Study role (PI, RESEARCHER, DATA_MANAGER, VIEWER)")
	expires := fs.String("expires", "", "Expiry time (RFC 3339), optional")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *study == "" || *role == "" {
		return fmt.Errorf("user, study and role are required")
	}

	req := access.GrantRequest{User: *user, StudyID: *study, Role: principal.Normalize(*role)}
	if *expires != "" {
		at, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("invalid expires: %w", err)
		}
		req.ExpiresAt = &at
	}

	return withRuntime(ctx, env, func(rt *api.Runtime) error {
		g, err := rt.System.Admin.Grant(ctx, env.principal(), req)
		if err != nil {
			return err
		}
		return printJSON(env, g)
	})
}

func newRevokeCommand() *Command {
	return &Command{
		Name:        "revoke",
		Description: "Revoke a user's grant on a study",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlags(env, "revoke")
			user := fs.String("user", "", "User to revoke")
			study := fs.String("study", "", "Study id")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *user == "" || *study == "" {
				return fmt.Errorf("user and study are required")
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				if err := rt.System.Admin.Revoke(ctx, env.principal(), *user, *study); err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "Revoked %s on %s\n", *user, *study)
				return nil
			})
		},
	}
}

func newGrantsCommand() *Command {
	return &Command{
		Name:        "grants",
		Description: "List grants of a user or a study",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlags(env, "grants")
			user := fs.String("user", "", "List grants of this user")
			study := fs.String("study", "", "List grants on this study")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if (*user == "") == (*study == "") {
				return fmt.Errorf("exactly one of user or study is required")
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				var (
					grants []access.Grant
					err    error
				)
				if *study != "" {
					grants, err = rt.System.Grants.ListByStudy(ctx, *study)
				} else {
					grants, err = rt.System.Grants.ListByUser(ctx, *user)
				}
				if err != nil {
					return err
				}
				return printJSON(env, grants)
			})
		},
	}
}

func newCursorsCommand() *Command {
	return &Command{
		Name:        "cursors",
		Description: "Show capture cursors and lag",
		Run: func(ctx context.Context, env *Env, args []string) error {
			if err := newFlags(env, "cursors").Parse(args); err != nil {
				return err
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				status, err := rt.System.Pipeline.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(env, status)
			})
		},
	}
}

func newResetCursorCommand() *Command {
	return &Command{
		Name:        "reset-cursor",
		Description: "Move a capture cursor for disaster recovery",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlags(env, "reset-cursor")
			table := fs.String("table", "", "Watched table")
			position := fs.Int64("position", -1, "New cursor position")
			reason := fs.String("reason", "", "Why the cursor is moved")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *table == "" || *position < 0 || *reason == "" {
				return fmt.Errorf("table, position and reason are required")
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				cur, err := rt.System.Pipeline.Reset(ctx, env.principal(), *table, capture.ResetRequest{
					Position: *position,
					Reason:   *reason,
				})
				if err != nil {
					return err
				}
				return printJSON(env, cur)
			})
		},
	}
}

func newDrainCommand() *Command {
	return &Command{
		Name:        "drain",
		Description: "Run one reconciliation tick on every table",
		Run: func(ctx context.Context, env *Env, args []string) error {
			if err := newFlags(env, "drain").Parse(args); err != nil {
				return err
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				results, err := rt.NewScheduler().RunOnce(ctx)
				if perr := printJSON(env, results); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newVerifyCommand() *Command {
	return &Command{
		Name:        "verify",
		Description: "Verify the hash chain of the audit logs",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlags(env, "verify")
			logName := fs.String("log", "", "Log to verify (activity, change, export, validation); all when empty")
			if err := fs.Parse(args); err != nil {
				return err
			}
			logs := audit.Logs
			if *logName != "" {
				log, err := audit.ParseLogName(*logName)
				if err != nil {
					return err
				}
				logs = []audit.LogName{log}
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				var broken bool
				for _, log := range logs {
					report, err := verifyLog(ctx, rt.System.Audit, log)
					if err != nil {
						return err
					}
					if !report.Valid {
						broken = true
					}
					if err := printJSON(env, report); err != nil {
						return err
					}
				}
				if broken {
					return archive.ErrChainBroken
				}
				return nil
			})
		},
	}
}

// verifyLog checks a whole log window by window and returns a report
// covering everything verified up to the first break.
func verifyLog(ctx context.Context, r *audit.Reader, log audit.LogName) (audit.ChainReport, error) {
	last, err := r.LastSeq(ctx, log)
	if err != nil {
		return audit.ChainReport{}, err
	}
	total := audit.ChainReport{Log: log, FromSeq: 1, ToSeq: last, Valid: true}
	for from := int64(1); from <= last; from += audit.MaxRangeSize {
		to := from + audit.MaxRangeSize - 1
		if to > last {
			to = last
		}
		report, err := r.VerifyChain(ctx, log, from, to)
		if err != nil {
			return total, err
		}
		total.Verified += report.Verified
		if !report.Valid {
			total.Valid = false
			total.Break = report.Break
			return total, nil
		}
	}
	return total, nil
}

func newArchiveCommand() *Command {
	return &Command{
		Name:        "archive",
		Description: "Upload sealed audit segments to S3",
		Run: func(ctx context.Context, env *Env, args []string) error {
			fs := newFlags(env, "archive")
			logName := fs.String("log", "", "Log to archive; all when empty")
			if err := fs.Parse(args); err != nil {
				return err
			}
			return withRuntime(ctx, env, func(rt *api.Runtime) error {
				archiver, err := rt.NewArchiver(ctx)
				if err != nil {
					return err
				}
				if *logName != "" {
					log, err := audit.ParseLogName(*logName)
					if err != nil {
						return err
					}
					segs, err := archiver.Run(ctx, log)
					if perr := printJSON(env, segs); perr != nil {
						return perr
					}
					return err
				}
				out, err := archiver.RunAll(ctx)
				if perr := printJSON(env, out); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
