package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/seorunner/internal/app"
	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/toolcall"
)

type invokeOptions struct {
	args        string
	credentials string
	site        string
	property    string
	principal   string
	plan        string
	timeout     time.Duration
}

func newInvokeCmd(opts *globalOptions) *cobra.Command {
	o := &invokeOptions{}

	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Run one tool in a fresh worker process",
		Long: `Run a single tool call through the on-demand path: acquire a pool slot,
spawn a worker with the given credentials, print the JSON response.
Exits non-zero when the call fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := o.call(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				resp := a.ToolCalls().Call(ctx, call)
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if !resp.OK() {
					return fmt.Errorf("tool call failed: %s", resp.Code)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&o.args, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&o.credentials, "credentials", "", "path to the credential JSON document (required)")
	cmd.Flags().StringVar(&o.site, "site", "", "Search Console property, e.g. sc-domain:example.com")
	cmd.Flags().StringVar(&o.property, "property", "", "analytics property id")
	cmd.Flags().StringVar(&o.principal, "principal", "cli", "principal charged for the call")
	cmd.Flags().StringVar(&o.plan, "plan", "", "plan whose quota applies; empty skips the quota check")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "per-call timeout override")
	_ = cmd.MarkFlagRequired("credentials")

	return cmd
}

func (o *invokeOptions) call(tool string) (toolcall.Call, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(o.args), &args); err != nil {
		return toolcall.Call{}, fmt.Errorf("--args must be a JSON object: %w", err)
	}

	doc, err := os.ReadFile(o.credentials)
	if err != nil {
		return toolcall.Call{}, fmt.Errorf("failed to read credentials: %w", err)
	}

	bundle := credentials.Bundle{
		Document:   doc,
		SiteURL:    o.site,
		PropertyID: o.property,
	}
	if err := bundle.Validate(); err != nil {
		return toolcall.Call{}, err
	}

	return toolcall.Call{
		Principal: o.principal,
		Plan:      o.plan,
		Tool:      tool,
		Args:      args,
		Bundle:    bundle,
		Timeout:   o.timeout,
	}, nil
}
