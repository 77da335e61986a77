package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/gateway"
)

// Audit connects once, inspects the target guild and prints the report.
func (a *App) Audit(ctx context.Context, w io.Writer) error {
	auditor, err := a.auditor()
	if err != nil {
		return err
	}
	if _, err := a.formatter(ctx); err != nil {
		return err
	}

	gw := a.newGateway()
	if err := gw.Connect(ctx); err != nil {
		return err
	}
	defer gw.Close()

	guild, err := gw.Guild(ctx, a.Config.Discord.GuildID)
	if err != nil {
		return err
	}

	report := auditor.Audit(guild, a.Config.Display.RolePrefix)
	return writeReport(w, guild, report)
}

func writeReport(w io.Writer, guild gateway.Guild, report audit.Report) error {
	target := "(absent)"
	if report.TargetExists {
		target = fmt.Sprintf("%s (position %d)", report.TargetRoleID, report.TargetRolePosition)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Guild\t%s (%d)\n", guild.Name, guild.ID)
	fmt.Fprintf(tw, "Manage Roles\t%s\n", yesNo(report.HasManageRoles))
	fmt.Fprintf(tw, "Change Nickname\t%s\n", yesNo(report.HasChangeNickname))
	fmt.Fprintf(tw, "View Channels\t%s\n", yesNo(report.HasViewChannel))
	fmt.Fprintf(tw, "Administrator\t%s\n", yesNo(report.HasAdministrator))
	fmt.Fprintf(tw, "Bot role position\t%d\n", report.BotRolePosition)
	fmt.Fprintf(tw, "Display role\t%s\n", target)
	fmt.Fprintf(tw, "OK\t%s\n", yesNo(report.OK))
	if err := tw.Flush(); err != nil {
		return err
	}

	if diags := report.Diagnostics(); len(diags) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "To fix:")
		fmt.Fprintf(w, "  - %s\n", strings.Join(diags, "\n  - "))
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
