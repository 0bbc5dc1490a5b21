package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/seorunner/internal/app"
	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/secrets"
	"github.com/aatumaykin/seorunner/internal/storage"
	"github.com/aatumaykin/seorunner/internal/webhook"
)

func newOwnersCmd(opts *globalOptions) *cobra.Command {
	ownersCmd := &cobra.Command{
		Use:   "owners",
		Short: "Manage owners, credential keys and webhooks",
	}

	ownersCmd.AddCommand(
		newOwnersAddCmd(opts),
		newOwnersListCmd(opts),
		newOwnersAddKeyCmd(opts),
		newOwnersAddWebhookCmd(opts),
	)
	return ownersCmd
}

func newOwnersAddCmd(opts *globalOptions) *cobra.Command {
	var owner storage.Owner
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner.Name = args[0]
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				created, err := a.Store().CreateOwner(ctx, owner)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	cmd.Flags().StringVar(&owner.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&owner.Plan, "plan", "free", "plan name")
	return cmd
}

func newOwnersListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List owners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				owners, err := a.Store().ListOwners(ctx)
				if err != nil {
					return err
				}
				if owners == nil {
					owners = []storage.Owner{}
				}
				return printJSON(cmd.OutOrStdout(), owners)
			})
		},
	}
}

func newOwnersAddKeyCmd(opts *globalOptions) *cobra.Command {
	var (
		docPath string
		key     storage.CredentialKey
	)
	cmd := &cobra.Command{
		Use:   "add-key <owner-id>",
		Short: "Seal and store a credential document for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(docPath)
			if err != nil {
				return fmt.Errorf("failed to read credentials: %w", err)
			}
			defer secrets.Wipe(doc)

			bundle := credentials.Bundle{Document: doc, SiteURL: key.SiteURL, PropertyID: key.PropertyID}
			if err := bundle.Validate(); err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if _, err := a.Store().GetOwner(ctx, args[0]); err != nil {
					return fmt.Errorf("owner %s: %w", args[0], err)
				}

				sealed, err := a.Cipher().Seal(doc)
				if err != nil {
					return err
				}
				key.OwnerID = args[0]
				key.Sealed = sealed

				stored, err := a.Store().AddCredentialKey(ctx, key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stored)
			})
		},
	}
	cmd.Flags().StringVar(&docPath, "credentials", "", "path to the credential JSON document (required)")
	cmd.Flags().StringVar(&key.Label, "label", "", "human-readable label")
	cmd.Flags().StringVar(&key.SiteURL, "site", "", "Search Console property")
	cmd.Flags().StringVar(&key.PropertyID, "property", "", "analytics property id")
	_ = cmd.MarkFlagRequired("credentials")
	return cmd
}

func newOwnersAddWebhookCmd(opts *globalOptions) *cobra.Command {
	var ep webhook.Endpoint
	cmd := &cobra.Command{
		Use:   "add-webhook <owner-id>",
		Short: "Register a webhook endpoint for scheduled job results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep.OwnerID = args[0]
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				stored, err := a.Store().AddWebhookEndpoint(ctx, ep)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stored)
			})
		},
	}
	cmd.Flags().StringVar(&ep.URL, "url", "", "endpoint URL (required)")
	cmd.Flags().StringVar(&ep.Secret, "secret", "", "HMAC signing secret")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
