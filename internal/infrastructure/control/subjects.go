// Package control serves the lattice control interface over the broker and
// provides the matching client used by `latticed ctl`.
package control

import "github.com/reglet-dev/latticed/internal/infrastructure/lattice"

// Subject tails under wasmbus.ctl.{lattice}.
const (
	opStartActor      = "la"
	opStopActor       = "sa"
	opStartProvider   = "lp"
	opStopProvider    = "sp"
	opLabels          = "labels"
	opInventory       = "inv"
	opUptime          = "uptime"
	opClaims          = "claims"
	opLinks           = "links"
	opPut             = "put"
	opDel             = "del"
	opAuctionActor    = "actor"
	opAuctionProvider = "provider"
)

func hostCommand(s lattice.Subjects, hostID, op string) string {
	return s.Control("cmd", hostID, op)
}

func hostQuery(s lattice.Subjects, hostID, op string) string {
	return s.Control("get", hostID, op)
}

func latticeQuery(s lattice.Subjects, op string) string {
	return s.Control("get", op)
}

func linkdefs(s lattice.Subjects, op string) string {
	return s.Control("linkdefs", op)
}

func configSubject(s lattice.Subjects, op string) string {
	return s.Control("config", op)
}

func auction(s lattice.Subjects, op string) string {
	return s.Control("auction", op)
}

func ping(s lattice.Subjects) string {
	return s.Control("ping")
}
