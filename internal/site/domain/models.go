package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Site is a location containing auctionable spaces. Possession periods and
// auction lead times drive automatic scheduling.
type Site struct {
	ID                    snowflake.ID   `gorm:"primaryKey"`
	CommunityID           snowflake.ID   `gorm:"not null;index"`
	Name                  string         `gorm:"type:text;not null"`
	DefaultParamsID       snowflake.ID   `gorm:"not null"`
	PossessionPeriod      time.Duration  `gorm:"not null"`
	AuctionLeadTime       time.Duration  `gorm:"not null"`
	ProxyBiddingLeadTime  time.Duration  `gorm:"not null;default:0"`
	OpenHours             datatypes.JSON `gorm:""`
	Timezone              *string        `gorm:"type:text"`
	AutoSchedule          bool           `gorm:"not null;default:false"`
	PossessionAnchorAt    *time.Time     `gorm:""`
	LastScheduledPossTime *time.Time     `gorm:""`
	CreatedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt             *time.Time     `gorm:"index"`
}

// TableName sets the database table name.
func (Site) TableName() string { return "sites" }

// Location resolves the site timezone, defaulting to UTC.
func (s *Site) Location() *time.Location {
	if s.Timezone == nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(*s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Space is an auctionable unit within a site. Name is unique per site among
// non-deleted spaces.
type Space struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	SiteID            snowflake.ID `gorm:"not null;index"`
	Name              string       `gorm:"type:text;not null"`
	EligibilityPoints float64      `gorm:"not null;default:1"`
	IsAvailable       bool         `gorm:"not null;default:true"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt         *time.Time   `gorm:"index"`
}

// TableName sets the database table name.
func (Space) TableName() string { return "spaces" }

// OpenInterval is one weekly open window in site-local time.
type OpenInterval struct {
	Weekday  time.Weekday `json:"weekday"`
	OpenMin  int          `json:"open_min"`
	CloseMin int          `json:"close_min"`
}

// OpenHoursSpec is the decoded form of Site.OpenHours.
type OpenHoursSpec struct {
	Intervals []OpenInterval `json:"intervals"`
}

// ParseOpenHours decodes the open-hours JSON column. A nil document means
// the site is always open.
func ParseOpenHours(raw datatypes.JSON) (*OpenHoursSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var spec OpenHoursSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decoding open hours: %w", err)
	}
	for _, iv := range spec.Intervals {
		if iv.OpenMin < 0 || iv.CloseMin > 24*60 || iv.OpenMin >= iv.CloseMin {
			return nil, ErrInvalidOpenHours
		}
	}
	return &spec, nil
}

// Contains reports whether the window [start, end) falls inside a single
// open interval, evaluated in the given location.
func (s *OpenHoursSpec) Contains(start, end time.Time, loc *time.Location) bool {
	if s == nil || len(s.Intervals) == 0 {
		return true
	}
	local := start.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	endLocal := end.In(loc)
	// Windows spanning midnight never fit a single daily interval.
	if endLocal.YearDay() != local.YearDay() && !endLocal.Equal(local) {
		sameDayEnd := endLocal.Hour() == 0 && endLocal.Minute() == 0 && endLocal.Sub(local) <= 24*time.Hour
		if !sameDayEnd {
			return false
		}
	}
	endMinutes := minutes + int(end.Sub(start)/time.Minute)
	for _, iv := range s.Intervals {
		if iv.Weekday == local.Weekday() && iv.OpenMin <= minutes && endMinutes <= iv.CloseMin {
			return true
		}
	}
	return false
}

var (
	ErrSiteNotFound     = errors.New("site_not_found")
	ErrSiteDeleted      = errors.New("site_deleted")
	ErrSpaceNotFound    = errors.New("space_not_found")
	ErrSpaceDeleted     = errors.New("space_deleted")
	ErrInvalidOpenHours = errors.New("invalid_open_hours")
)
