package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

func newInterventionsCmd(st *cliState) *cobra.Command {
	interventionsCmd := &cobra.Command{
		Use:     "interventions",
		Aliases: []string{"intervention", "iv"},
		Short:   "List and resolve tasks waiting on a human",
	}
	interventionsCmd.AddCommand(
		newInterventionsListCmd(st),
		newInterventionsGetCmd(st),
		newInterventionsResolveCmd(st),
	)
	return interventionsCmd
}

func printInterventions(cmd *cobra.Command, format string, tasks []*schemas.InterventionTask) error {
	return render(cmd.OutOrStdout(), format, tasks, func() error {
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				t.ID, t.RunID, string(t.Type), string(t.Priority), string(t.Status), fmtTime(t.CreatedAt), t.Reason,
			})
		}
		return printTable(cmd.OutOrStdout(), []string{"ID", "RUN", "TYPE", "PRIORITY", "STATUS", "CREATED", "REASON"}, rows)
	})
}

func printIntervention(cmd *cobra.Command, format string, t *schemas.InterventionTask) error {
	return render(cmd.OutOrStdout(), format, t, func() error {
		rows := [][]string{
			{"ID", t.ID},
			{"Run", t.RunID},
			{"Type", string(t.Type)},
			{"Priority", string(t.Priority)},
			{"Status", string(t.Status)},
			{"Reason", orDash(t.Reason)},
			{"Created", fmtTime(t.CreatedAt)},
			{"Resolved", fmtTimePtr(t.ResolvedAt)},
		}
		if len(t.Payload) > 0 {
			rows = append(rows, []string{"Payload", string(t.Payload)})
		}
		if t.Resolution != nil {
			rows = append(rows, []string{"Resolved by", t.Resolution.ResolvedBy})
		}
		return printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)
	})
}

func newInterventionsListCmd(st *cliState) *cobra.Command {
	var (
		status string
		runID  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intervention tasks (open ones by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "all" {
				status = ""
			}
			c, err := st.newClient()
			if err != nil {
				return err
			}
			tasks, err := c.ListInterventions(cmd.Context(), schemas.InterventionFilter{
				Status: schemas.InterventionStatus(status),
				RunID:  runID,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("listing interventions: %w", err)
			}
			return printInterventions(cmd, st.output, tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(schemas.InterventionOpen), "filter by status: open, resolved or all")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func newInterventionsGetCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <intervention-id>",
		Short: "Show one intervention task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			task, err := c.GetIntervention(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting intervention: %w", err)
			}
			return printIntervention(cmd, st.output, task)
		},
	}
}

// resolveFlags collect a resolution from the command line.
type resolveFlags struct {
	by           string
	file         string
	action       string
	cookies      []string
	cookieDomain string
	headers      []string
	localStorage []string
	userAgent    string
	expiresIn    time.Duration
	notes        string
}

// resolution builds the JSON resolution body. A file, when given, is sent
// verbatim and the other material flags are ignored.
func (f *resolveFlags) resolution(stdin io.Reader, now time.Time) ([]byte, error) {
	if f.file != "" {
		var (
			data []byte
			err  error
		)
		if f.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.file)
		}
		if err != nil {
			return nil, fmt.Errorf("reading resolution: %w", err)
		}
		return data, nil
	}

	p := schemas.ResolutionPayload{Action: f.action, Notes: f.notes}
	material := &schemas.SessionMaterial{UserAgent: f.userAgent}
	for _, kv := range f.cookies {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --cookie %q, want name=value", kv)
		}
		material.Cookies = append(material.Cookies, schemas.Cookie{
			Name:   strings.TrimSpace(name),
			Value:  value,
			Domain: f.cookieDomain,
		})
	}
	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --header %q, want 'Name: value'", h)
		}
		if material.Headers == nil {
			material.Headers = make(map[string]string)
		}
		material.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	for _, kv := range f.localStorage {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --local-storage %q, want key=value", kv)
		}
		if material.LocalStorage == nil {
			material.LocalStorage = make(map[string]string)
		}
		material.LocalStorage[key] = value
	}
	if !material.IsEmpty() {
		p.Session = material
	}
	if f.expiresIn > 0 {
		exp := now.Add(f.expiresIn).UTC()
		p.ExpiresAt = &exp
	}
	if p.Action == "" {
		p.Action = "resolved"
	}
	return json.Marshal(p)
}

func newInterventionsResolveCmd(st *cliState) *cobra.Command {
	f := &resolveFlags{}
	cmd := &cobra.Command{
		Use:   "resolve <intervention-id>",
		Short: "Resolve a task, optionally handing over fresh session material, and resume its run",
		Example: `  scalpel-hitl interventions resolve 6f1c... --cookie sessionid=abc123 --expires-in 12h
  scalpel-hitl interventions resolve 6f1c... --file resolution.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := f.resolution(cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			by := f.by
			if by == "" && st.token == "" {
				by = os.Getenv("USER")
			}

			c, err := st.newClient()
			if err != nil {
				return err
			}
			resp, err := c.ResolveIntervention(cmd.Context(), args[0], schemas.ResolutionBody{Resolution: raw, ResolvedBy: by})
			if err != nil {
				return fmt.Errorf("resolving intervention: %w", err)
			}
			if st.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			switch {
			case resp.AlreadyResolved:
				fmt.Fprintln(cmd.ErrOrStderr(), "Intervention was already resolved; nothing changed.")
			case resp.ResumeError != "":
				fmt.Fprintf(cmd.ErrOrStderr(), "Resolved, but the run was not resumed: %s\n", resp.ResumeError)
			default:
				fmt.Fprintln(cmd.ErrOrStderr(), "Resolved; the run has been resumed.")
			}
			return printIntervention(cmd, st.output, resp.Intervention)
		},
	}
	cmd.Flags().StringVar(&f.by, "by", "", "who resolved the task (defaults to the token subject, else $USER)")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "JSON resolution object to send as-is ('-' for stdin)")
	cmd.Flags().StringVar(&f.action, "action", "", "free-form action recorded with the resolution")
	cmd.Flags().StringArrayVar(&f.cookies, "cookie", nil, "session cookie name=value (repeatable)")
	cmd.Flags().StringVar(&f.cookieDomain, "cookie-domain", "", "domain attribute for --cookie values")
	cmd.Flags().StringArrayVar(&f.headers, "header", nil, "session header 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVar(&f.localStorage, "local-storage", nil, "localStorage key=value (repeatable)")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", "", "user agent the session was captured with")
	cmd.Flags().DurationVar(&f.expiresIn, "expires-in", 0, "how long the handed-over session stays valid")
	cmd.Flags().StringVar(&f.notes, "notes", "", "notes stored with the session")
	return cmd
}
