package models

import "time"

// ShipCertificate is the durable proof that a business reference has been
// fulfilled. Unique constraint: (scope, platform, shop_id, reference) — the
// final arbiter under concurrent writers. Created exactly once on first
// successful commit; replays read it and short-circuit, they never rewrite it.
type ShipCertificate struct {
	ID          int                  `gorm:"primary_key" json:"id"`
	Scope       Scope                `gorm:"type:enum('PROD','DRILL');default:PROD;not null;index:uniq_cert,unique" json:"scope"`
	Platform    string               `gorm:"size:50;not null;index:uniq_cert,unique" json:"platform"`
	ShopId      string               `gorm:"size:64;not null;index:uniq_cert,unique" json:"shop_id"`
	Reference   string               `gorm:"size:100;not null;index:uniq_cert,unique" json:"reference"`
	TraceId     string               `gorm:"size:64;not null" json:"trace_id"`
	State       ShipCertificateState `gorm:"size:20;not null;default:COMMITTED" json:"state"`
	CommittedAt time.Time            `gorm:"not null" json:"committed_at"`
	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
}
