package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/utter/app"
	"github.com/artpar/utter/bootstrap"
	"github.com/artpar/utter/config"
	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's balance and remaining trials",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Record a manual adjustment",
	Long: `Record a manual adjustment event. A negative amount removes credits and
fails if the balance is too low.

Re-running with the same --key is a no-op, so scripted grants are safe to retry.

Examples:
  utter credits grant 3f1c...e9 5000 --reason "support refund"
  utter credits grant 3f1c...e9 -200 --key ticket-481`,
	Args: cobra.ExactArgs(2),
	RunE: runCreditsGrant,
}

var (
	grantKey    string
	grantReason string
)

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)

	creditsGrantCmd.Flags().StringVar(&grantKey, "key", "", "idempotency key (default: generated)")
	creditsGrantCmd.Flags().StringVar(&grantReason, "reason", "manual adjustment", "reason stored with the event")
}

func openLedger(cmd *cobra.Command) (*ledgerHandle, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, err
	}
	svc, closeFn, err := bootstrap.OpenLedger(cmd.Context(), cfg, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &ledgerHandle{svc: svc, close: closeFn}, nil
}

type ledgerHandle struct {
	svc   *app.LedgerService
	close func()
}

func parseUserID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: must be a UUID", s)
	}
	return id.String(), nil
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	user, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	h, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer h.close()

	acct, err := h.svc.Account(cmd.Context(), user)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:     %s\n", user)
	fmt.Fprintf(out, "Balance:  %d %s\n", acct.Balance, credit.UnitLabel)
	fmt.Fprintf(out, "Trials:   design_preview=%d clone=%d\n",
		acct.Trials[ledger.OpDesignPreview], acct.Trials[ledger.OpClone])
	return nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	user, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	key := grantKey
	if key == "" {
		key = uuid.NewString()
	}

	h, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer h.close()

	res, err := h.svc.Adjust(cmd.Context(), user, amount, key, grantReason)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case res.Duplicate:
		fmt.Fprintf(out, "Adjustment %s already recorded; balance %d\n", key, res.BalanceAfter)
	case res.Insufficient:
		return fmt.Errorf("insufficient credits: balance %d", res.BalanceAfter)
	default:
		fmt.Fprintf(out, "Recorded adjustment %s (%+d); balance %d\n", key, amount, res.BalanceAfter)
	}
	return nil
}
