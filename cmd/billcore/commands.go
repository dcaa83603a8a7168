package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/billcore/internal/config"
	"github.com/hamzaKhattat/billcore/internal/store"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()

	cliStore *store.MySQLStore
)

// initializeForCLI loads configuration and opens a direct store connection
// for read-only operational commands, without standing up the dispatcher,
// biller, or softswitch adapter.
func initializeForCLI(ctx context.Context) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	cfg = loaded

	opened, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Username:        cfg.Database.Username,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RetryAttempts:   cfg.Database.RetryAttempts,
		RetryDelay:      cfg.Database.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	cliStore = opened
	return nil
}

func formatAccountStatus(status string) string {
	switch status {
	case "active":
		return green(status)
	case "suspended":
		return yellow(status)
	default:
		return red(status)
	}
}

func createAccountCommand() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect billing accounts",
	}
	accountCmd.AddCommand(createAccountShowCommand())
	return accountCmd
}

func createAccountShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-number>",
		Short: "Show an account's balance, credit limit and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := initializeForCLI(ctx); err != nil {
				return err
			}

			account, err := cliStore.GetAccountByNumber(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to look up account: %v", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.SetBorder(false)
			table.Append([]string{"Account Number", account.AccountNumber})
			table.Append([]string{"Class", string(account.Class)})
			table.Append([]string{"Status", formatAccountStatus(string(account.Status))})
			table.Append([]string{"Balance", account.Balance.StringFixed(4)})
			table.Append([]string{"Credit Limit", account.CreditLimit.StringFixed(4)})
			table.Append([]string{"Available Funds", account.AvailableFunds().StringFixed(4)})
			table.Append([]string{"Max Concurrent Calls", fmt.Sprintf("%d", account.MaxConcurrentCalls)})
			table.Append([]string{"Currency", account.Currency})
			table.Render()
			return nil
		},
	}
}

func createReservationCommand() *cobra.Command {
	reservationCmd := &cobra.Command{
		Use:   "reservation",
		Short: "Inspect active fund reservations",
	}
	reservationCmd.AddCommand(createReservationListCommand())
	return reservationCmd
}

func createReservationListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <account-number>",
		Short: "List an account's active reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := initializeForCLI(ctx); err != nil {
				return err
			}

			account, err := cliStore.GetAccountByNumber(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to look up account: %v", err)
			}

			reservations, err := cliStore.ListActiveByAccount(ctx, account.ID)
			if err != nil {
				return fmt.Errorf("failed to list reservations: %v", err)
			}

			if len(reservations) == 0 {
				fmt.Println("No active reservations")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Call UUID", "Status", "Reserved", "Consumed", "Released", "Remaining", "Expires At"})
			table.SetBorder(false)
			for _, r := range reservations {
				table.Append([]string{
					r.CallUUID,
					string(r.Status),
					r.ReservedAmount.StringFixed(4),
					r.ConsumedAmount.StringFixed(4),
					r.ReleasedAmount.StringFixed(4),
					r.Remaining().StringFixed(4),
					r.ExpiresAt.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			return nil
		},
	}
}

func createCDRCommand() *cobra.Command {
	cdrCmd := &cobra.Command{
		Use:   "cdr",
		Short: "Inspect finalized call detail records",
	}
	cdrCmd.AddCommand(createCDRShowCommand())
	return cdrCmd
}

func createCDRShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <call-uuid>",
		Short: "Show the finalized CDR for a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := initializeForCLI(ctx); err != nil {
				return err
			}

			record, err := cliStore.GetCDRByCall(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to look up CDR: %v", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.SetBorder(false)
			table.Append([]string{"Call UUID", record.CallUUID})
			table.Append([]string{"Caller", record.Caller})
			table.Append([]string{"Callee", record.Callee})
			table.Append([]string{"Direction", string(record.Direction)})
			table.Append([]string{"Duration (s)", fmt.Sprintf("%d", record.Duration)})
			table.Append([]string{"Billsec (s)", fmt.Sprintf("%d", record.Billsec)})
			table.Append([]string{"Cost", record.Cost.StringFixed(4)})
			table.Append([]string{"Shortfall", record.ShortfallAmount.StringFixed(4)})
			table.Append([]string{"Hangup Cause", record.HangupCause})
			table.Render()
			return nil
		},
	}
}
