package output

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/reglet-dev/latticed/internal/application/dto"
)

// TableFormatter formats results as human-readable tables. Types without a
// table layout fall back to YAML.
type TableFormatter struct {
	writer io.Writer
	bold   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
}

// NewTableFormatter creates a new table formatter.
func NewTableFormatter(w io.Writer, enableColor bool) *TableFormatter {
	f := &TableFormatter{
		writer: w,
		bold:   color.New(color.Bold),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
	}
	for _, c := range []*color.Color{f.bold, f.green, f.yellow, f.red} {
		if enableColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return f
}

// Format writes v as a table.
//
//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) Format(v any) error {
	switch r := v.(type) {
	case dto.Ack:
		if r.Success {
			fmt.Fprintln(f.writer, f.green.Sprint("ok"))
		} else {
			fmt.Fprintln(f.writer, f.red.Sprint("failed: "+r.Failure))
		}
	case *dto.Inventory:
		f.inventory(r)
	case dto.UptimeResponse:
		fmt.Fprintf(f.writer, "%s up %s\n", r.HostID, r.UptimeHuman)
	case dto.ClaimsResponse:
		f.claims(r)
	case dto.LinksResponse:
		f.links(r)
	case []dto.PingResponse:
		f.hosts(r)
	case []dto.AuctionAck:
		f.bids(r)
	default:
		return NewYAMLFormatter(f.writer).Format(v)
	}
	return nil
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) inventory(inv *dto.Inventory) {
	fmt.Fprintf(f.writer, "%s %s\n", f.bold.Sprint("Host:"), inv.HostID)
	if len(inv.Labels) > 0 {
		fmt.Fprintln(f.writer, f.bold.Sprint("Labels:"))
		for _, k := range slices.Sorted(maps.Keys(inv.Labels)) {
			fmt.Fprintf(f.writer, "  %s=%s\n", k, inv.Labels[k])
		}
	}

	fmt.Fprintln(f.writer)
	if len(inv.Actors) == 0 {
		fmt.Fprintln(f.writer, "No actors running.")
	} else {
		tw := f.table("ACTOR", "NAME", "REV", "STATE")
		for _, a := range inv.Actors {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.ID, a.Name, a.Revision, f.state(a.State))
		}
		tw.Flush()
	}

	fmt.Fprintln(f.writer)
	if len(inv.Providers) == 0 {
		fmt.Fprintln(f.writer, "No providers running.")
		return
	}
	tw := f.table("PROVIDER", "LINK", "CONTRACT", "NAME", "REV", "STATE")
	for _, p := range inv.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", p.ID, p.LinkName, p.ContractID, p.Name, p.Revision, f.state(p.State))
	}
	tw.Flush()
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) claims(r dto.ClaimsResponse) {
	if len(r.Claims) == 0 {
		fmt.Fprintln(f.writer, "No claims.")
		return
	}
	tw := f.table("SUBJECT", "KIND", "NAME", "ISSUER", "CAPABILITIES")
	for _, c := range r.Claims {
		caps := c.ContractID
		if c.Kind != "provider" {
			caps = strings.Join(c.Capabilities, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Subject, c.Kind, c.Name, c.Issuer, caps)
	}
	tw.Flush()
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) links(r dto.LinksResponse) {
	if len(r.Links) == 0 {
		fmt.Fprintln(f.writer, "No links.")
		return
	}
	tw := f.table("ACTOR", "CONTRACT", "LINK", "PROVIDER", "VALUES")
	for _, def := range r.Links {
		pairs := make([]string, 0, len(def.Values))
		for _, k := range slices.Sorted(maps.Keys(def.Values)) {
			pairs = append(pairs, k+"="+def.Values[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", def.ActorID, def.ContractID, def.LinkName, def.ProviderID, strings.Join(pairs, ","))
	}
	tw.Flush()
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) hosts(r []dto.PingResponse) {
	if len(r) == 0 {
		fmt.Fprintln(f.writer, "No hosts responded.")
		return
	}
	tw := f.table("HOST", "LATTICE", "VERSION", "UPTIME")
	for _, h := range r {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%ds\n", h.HostID, h.Lattice, h.Version, h.UptimeSeconds)
	}
	tw.Flush()
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) bids(r []dto.AuctionAck) {
	if len(r) == 0 {
		fmt.Fprintln(f.writer, f.yellow.Sprint("No hosts bid."))
		return
	}
	tw := f.table("HOST", "REF", "LINK")
	for _, b := range r {
		ref := b.ActorRef
		if ref == "" {
			ref = b.ProviderRef
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.HostID, ref, b.LinkName)
	}
	tw.Flush()
}

//nolint:errcheck // Best-effort terminal output
func (f *TableFormatter) table(headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

// state colors the last column only, so escape codes never skew alignment.
func (f *TableFormatter) state(s string) string {
	switch s {
	case "running":
		return f.green.Sprint(s)
	case "stopped":
		return f.red.Sprint(s)
	default:
		return f.yellow.Sprint(s)
	}
}
