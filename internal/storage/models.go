package storage

import (
	"time"

	"marketplace-ratelimiter/internal/domain"
)

// counterRecord é uma linha por (identificador, endpoint, método, granularidade, janela)
type counterRecord struct {
	ID             uint      `gorm:"primaryKey"`
	Identifier     string    `gorm:"not null;type:text;uniqueIndex:idx_rate_limit_counter_window,priority:1"`
	IdentifierType string    `gorm:"not null;size:20;uniqueIndex:idx_rate_limit_counter_window,priority:2"`
	Endpoint       string    `gorm:"not null;type:text;uniqueIndex:idx_rate_limit_counter_window,priority:3"`
	Method         string    `gorm:"not null;size:10;uniqueIndex:idx_rate_limit_counter_window,priority:4"`
	Granularity    string    `gorm:"not null;size:10;uniqueIndex:idx_rate_limit_counter_window,priority:5"`
	WindowStart    time.Time `gorm:"not null;uniqueIndex:idx_rate_limit_counter_window,priority:6"`
	WindowEnd      time.Time `gorm:"not null;index"`
	RequestCount   int       `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (counterRecord) TableName() string { return "rate_limit_counters" }

type violationRecord struct {
	ID             string    `gorm:"primaryKey;type:text;not null"`
	Identifier     string    `gorm:"not null;type:text;index:idx_rate_limit_violation_identifier,priority:1"`
	IdentifierType string    `gorm:"not null;size:20;index:idx_rate_limit_violation_identifier,priority:2"`
	Endpoint       string    `gorm:"not null;type:text"`
	Method         string    `gorm:"not null;size:10"`
	OccurredAt     time.Time `gorm:"not null;index"`
	LimitExceeded  string    `gorm:"not null;size:10"`
	ObservedCount  int       `gorm:"not null"`
}

func (violationRecord) TableName() string { return "rate_limit_violations" }

type blockRecord struct {
	Identifier     string    `gorm:"primaryKey;type:text"`
	IdentifierType string    `gorm:"primaryKey;size:20"`
	BlockedUntil   time.Time `gorm:"not null;index"`
	Reason         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (blockRecord) TableName() string { return "rate_limit_blocks" }

type configRecord struct {
	ID                uint      `gorm:"primaryKey"`
	Endpoint          string    `gorm:"not null;type:text;uniqueIndex:idx_rate_limit_config_endpoint_method,priority:1"`
	Method            string    `gorm:"not null;size:10;uniqueIndex:idx_rate_limit_config_endpoint_method,priority:2"`
	RequestsPerMinute int       `gorm:"not null"`
	RequestsPerHour   int       `gorm:"not null"`
	RequestsPerDay    int       `gorm:"not null"`
	IsActive          bool      `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (configRecord) TableName() string { return "rate_limit_configs" }

func toViolationRecord(v domain.Violation) violationRecord {
	return violationRecord{
		ID:             v.ID,
		Identifier:     v.Identifier,
		IdentifierType: string(v.IdentifierType),
		Endpoint:       v.Endpoint,
		Method:         v.Method,
		OccurredAt:     v.OccurredAt.UTC(),
		LimitExceeded:  string(v.LimitExceeded),
		ObservedCount:  v.ObservedCount,
	}
}

func (r violationRecord) toDomain() domain.Violation {
	return domain.Violation{
		ID:             r.ID,
		Identifier:     r.Identifier,
		IdentifierType: domain.IdentifierType(r.IdentifierType),
		Endpoint:       r.Endpoint,
		Method:         r.Method,
		OccurredAt:     r.OccurredAt.UTC(),
		LimitExceeded:  domain.Granularity(r.LimitExceeded),
		ObservedCount:  r.ObservedCount,
	}
}

func (r blockRecord) toDomain() domain.Block {
	return domain.Block{
		Identifier:     r.Identifier,
		IdentifierType: domain.IdentifierType(r.IdentifierType),
		BlockedUntil:   r.BlockedUntil.UTC(),
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

func toConfigRecord(c domain.RateLimitConfig) configRecord {
	return configRecord{
		Endpoint:          c.Endpoint,
		Method:            domain.NormalizeMethod(c.Method),
		RequestsPerMinute: c.Limits.PerMinute,
		RequestsPerHour:   c.Limits.PerHour,
		RequestsPerDay:    c.Limits.PerDay,
		IsActive:          c.IsActive,
		UpdatedAt:         c.UpdatedAt.UTC(),
	}
}

func (r configRecord) toDomain() domain.RateLimitConfig {
	return domain.RateLimitConfig{
		Endpoint: r.Endpoint,
		Method:   r.Method,
		Limits: domain.Limits{
			PerMinute: r.RequestsPerMinute,
			PerHour:   r.RequestsPerHour,
			PerDay:    r.RequestsPerDay,
		},
		IsActive:  r.IsActive,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}
