package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"evidence-vault/internal/app"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/sharelink"
	"evidence-vault/internal/services/webhook"
)

// runShare 是二级命令路由：share create / revoke / resolve。
func runShare(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printShareUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runShareCreate(ctx, args[1:])
	case "revoke":
		return runShareRevoke(ctx, args[1:])
	case "resolve":
		return runShareResolve(ctx, args[1:])
	default:
		printShareUsage()
		return fmt.Errorf("unknown share command: %s", args[0])
	}
}

func printShareUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli share create --case CASE_ID --scope read_only|export --recipient opposing_counsel|court|expert_witness|client|regulator --ttl 72h --max-access N")
	fmt.Println("  vault-cli share revoke --id LINK_ID")
	fmt.Println("  vault-cli share resolve --token TOKEN")
}

func runShareCreate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("share create", pflag.ContinueOnError)
	g.AddFlags(fs)
	caseID := fs.String("case", "", "case id")
	scope := fs.String("scope", string(model.ScopeReadOnly), "read_only|export")
	recipient := fs.String("recipient", "", "recipient role")
	ttl := fs.Duration("ttl", 72*time.Hour, "link lifetime (at most 2160h)")
	maxAccess := fs.Int("max-access", 1, "maximum successful resolutions")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	raw, link, err := v.Shares.Create(ctx, p, sharelink.CreateRequest{
		CaseID:        *caseID,
		Scope:         model.ShareScope(*scope),
		RecipientRole: model.RecipientRole(*recipient),
		TTL:           *ttl,
		MaxAccess:     *maxAccess,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "the token is shown only once; deliver it to the recipient now")
	return printJSON(map[string]any{"token": raw, "link": link})
}

func runShareRevoke(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("share revoke", pflag.ContinueOnError)
	g.AddFlags(fs)
	linkID := fs.String("id", "", "share link id")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *linkID == "" {
		return errors.New("--id is required")
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Shares.Revoke(ctx, p, *linkID); err != nil {
		return err
	}
	fmt.Printf("share link revoked: %s\n", *linkID)
	return nil
}

// runShareResolve 与门户相同地解析 token，成功时会占用一次访问额度。
func runShareResolve(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("share resolve", pflag.ContinueOnError)
	g.AddFlags(fs)
	token := fs.String("token", "", "raw share token")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	summary, err := v.Shares.Resolve(ctx, *token)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// runWebhook 是二级命令路由：webhook add / reactivate / list。
func runWebhook(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printWebhookUsage()
		return nil
	}
	switch args[0] {
	case "add":
		return runWebhookAdd(ctx, args[1:])
	case "reactivate":
		return runWebhookReactivate(ctx, args[1:])
	case "list":
		return runWebhookList(ctx, args[1:])
	default:
		printWebhookUsage()
		return fmt.Errorf("unknown webhook command: %s", args[0])
	}
}

func printWebhookUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli webhook add --url https://hooks.example/vault --events export.completed,evidence.integrity_failed [--secret S] --role admin")
	fmt.Println("  vault-cli webhook reactivate --id SUBSCRIPTION_ID --role admin")
	fmt.Println("  vault-cli webhook list [--deliveries N] --role admin")
}

func runWebhookAdd(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("webhook add", pflag.ContinueOnError)
	g.AddFlags(fs)
	target := fs.String("url", "", "target URL (http or https)")
	secret := fs.String("secret", "", "shared HMAC secret (generated when empty)")
	events := fs.StringSlice("events", []string{"*"}, "event types, or * for all")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	sub, err := v.Webhooks.Subscribe(ctx, p, webhook.SubscribeRequest{
		TargetURL:   *target,
		Secret:      *secret,
		EventFilter: *events,
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"subscription": sub, "secret": sub.Secret})
}

func runWebhookReactivate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("webhook reactivate", pflag.ContinueOnError)
	g.AddFlags(fs)
	subID := fs.String("id", "", "subscription id")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *subID == "" {
		return errors.New("--id is required")
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Webhooks.Reactivate(ctx, p, *subID); err != nil {
		return err
	}
	fmt.Printf("subscription active: %s\n", *subID)
	return nil
}

func runWebhookList(ctx context.Context, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("webhook list", pflag.ContinueOnError)
	g.AddFlags(fs)
	deliveries := fs.Int("deliveries", 0, "also show the last N delivery attempts per subscription")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	p, err := g.principal()
	if err != nil {
		return err
	}
	v, err := g.open(ctx, app.OpenOptions{})
	if err != nil {
		return err
	}
	defer v.Close()

	subs, err := v.Webhooks.List(ctx, p)
	if err != nil {
		return err
	}
	if *deliveries <= 0 {
		return printJSON(subs)
	}
	type view struct {
		model.WebhookSubscription
		Deliveries []model.DeliveryAttempt `json:"deliveries"`
	}
	out := make([]view, 0, len(subs))
	for _, sub := range subs {
		attempts, err := v.Webhooks.Deliveries(ctx, p, sub.SubscriptionID, *deliveries)
		if err != nil {
			return err
		}
		out = append(out, view{WebhookSubscription: sub, Deliveries: attempts})
	}
	return printJSON(out)
}
