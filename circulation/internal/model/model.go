package model

import (
	"time"
)

type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusLoaned      Status = "LOANED"
	StatusReserved    Status = "RESERVED"
	StatusMaintenance Status = "MAINTENANCE"
)

// Statuses lists every copy status in a stable order.
var Statuses = []Status{StatusAvailable, StatusLoaned, StatusReserved, StatusMaintenance}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusLoaned, StatusReserved, StatusMaintenance:
		return true
	}
	return false
}

// Holding reports whether the status binds the copy to a user.
func (s Status) Holding() bool {
	return s == StatusLoaned || s == StatusReserved
}

type Copy struct {
	ID      int64  `json:"-" db:"id"`
	CopyUid string `json:"copyUid" db:"copy_uid"`
	BookUid string `json:"bookUid" db:"book_uid"`
	Edition string `json:"edition" db:"edition"`
	Status  Status `json:"status" db:"status"`
	// Holder and DueDate are set exactly when Status is LOANED or RESERVED.
	Holder       *string    `json:"holder,omitempty" db:"holder"`
	DueDate      *time.Time `json:"dueDate,omitempty" db:"due_date"`
	RenewalCount int        `json:"renewalCount" db:"renewal_count"`
	// HoldReservationUid is the reservation a RESERVED hold was promoted from.
	HoldReservationUid *string `json:"holdReservationUid,omitempty" db:"hold_reservation_uid"`
}

// Consistent checks the holder/deadline invariant.
func (c Copy) Consistent() bool {
	bound := c.Holder != nil && *c.Holder != "" && c.DueDate != nil
	unbound := c.Holder == nil && c.DueDate == nil
	if c.Status.Holding() {
		return bound
	}
	return unbound && c.HoldReservationUid == nil
}

func (c Copy) HeldBy(username string) bool {
	return c.Holder != nil && *c.Holder == username
}

func (c *Copy) Hold(status Status, username string, due time.Time) {
	c.Status = status
	c.Holder = &username
	c.DueDate = &due
	c.HoldReservationUid = nil
}

func (c *Copy) Release(status Status) {
	c.Status = status
	c.Holder = nil
	c.DueDate = nil
	c.RenewalCount = 0
	c.HoldReservationUid = nil
}

type Reservation struct {
	ID             int64     `json:"-" db:"id"`
	ReservationUid string    `json:"reservationUid" db:"reservation_uid"`
	BookUid        string    `json:"bookUid" db:"book_uid"`
	Username       string    `json:"username" db:"username"`
	RequestedAt    time.Time `json:"requestedAt" db:"requested_at"`
}

// Before orders reservations FIFO by request time, ties broken by id.
func (r Reservation) Before(o Reservation) bool {
	if !r.RequestedAt.Equal(o.RequestedAt) {
		return r.RequestedAt.Before(o.RequestedAt)
	}
	return r.ID < o.ID
}

type Policy struct {
	MaxLoanDuration        time.Duration `json:"maxLoanDuration"`
	MaxReservationDuration time.Duration `json:"maxReservationDuration"`
	MaxReservationsPerUser int           `json:"maxReservationsPerUser"`
	MaxRenewals            int           `json:"maxRenewals"`
}

type AddCopyRequest struct {
	BookUid string `json:"bookUid" validate:"required"`
	Edition string `json:"edition"`
}

type TransitionRequest struct {
	Status   Status `json:"status" validate:"required,oneof=AVAILABLE LOANED RESERVED MAINTENANCE"`
	Username string `json:"username"`
}

type CreateReservationRequest struct {
	BookUid  string `json:"bookUid" validate:"required"`
	UserName string `json:"-" validate:"required"`
}

type ReserveStatus string

const (
	ReservePending  ReserveStatus = "PENDING"
	ReserveReserved ReserveStatus = "RESERVED"
)

type ReserveResponse struct {
	ReservationUid string        `json:"reservationUid"`
	Status         ReserveStatus `json:"status"`
	CopyUid        string        `json:"copyUid,omitempty"`
	TillDate       *time.Time    `json:"tillDate,omitempty"`
}

type RenewResponse struct {
	CopyUid      string    `json:"copyUid"`
	DueDate      time.Time `json:"dueDate"`
	RenewalCount int       `json:"renewalCount"`
}

type PendingReservation struct {
	Reservation `json:",inline"`
	Position    int `json:"position" db:"position"`
}

type UserReservations struct {
	Pending []PendingReservation `json:"pending"`
	Holds   []Copy               `json:"holds"`
}

type ListCopies struct {
	Items []Copy `json:"items"`
}

type SweepReport struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
}

type EventCause string

const (
	CauseTransition EventCause = "transition"
	CausePromotion  EventCause = "promotion"
	CauseRenewal    EventCause = "renewal"
	CauseExpiry     EventCause = "expiry"
	CauseCancel     EventCause = "cancel"
	CauseAdded      EventCause = "added"
)

// CopyEvent describes one committed change of a copy.
type CopyEvent struct {
	CopyUid    string     `json:"copyUid"`
	BookUid    string     `json:"bookUid"`
	From       Status     `json:"from,omitempty"`
	To         Status     `json:"to"`
	Holder     string     `json:"holder,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	Cause      EventCause `json:"cause"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// TransitionCommand is the kiosk message applied through the same path as the HTTP transition.
type TransitionCommand struct {
	CopyUid  string `json:"copyUid"`
	Status   Status `json:"status"`
	Username string `json:"username"`
}
