package usertag

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timeFormat is the wire format for tag timestamps: RFC3339 with forced
// millisecond precision and a literal Z. All times are UTC.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Time is a UTC instant with millisecond precision.
type Time struct {
	time.Time
}

func At(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(timeFormat))), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("tag time is not a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid tag time %q: %w", s, err)
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}

// Action is the user interaction recorded by a tag.
type Action int

const (
	ActionView Action = iota
	ActionBuy
)

// Actions lists all actions, in bin order.
var Actions = []Action{ActionView, ActionBuy}

func ParseAction(s string) (Action, error) {
	switch s {
	case "VIEW":
		return ActionView, nil
	case "BUY":
		return ActionBuy, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) String() string {
	if a == ActionBuy {
		return "BUY"
	}
	return "VIEW"
}

// SetName is the store set (and profile bin) this action maps to.
func (a Action) SetName() string {
	if a == ActionBuy {
		return "buy"
	}
	return "view"
}

func (a Action) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *Action) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("action is not a string: %w", err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Device is the client device class reported with a tag.
type Device int

const (
	DevicePC Device = iota
	DeviceMobile
	DeviceTV
)

func ParseDevice(s string) (Device, error) {
	switch s {
	case "PC":
		return DevicePC, nil
	case "MOBILE":
		return DeviceMobile, nil
	case "TV":
		return DeviceTV, nil
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

func (d Device) String() string {
	switch d {
	case DeviceMobile:
		return "MOBILE"
	case DeviceTV:
		return "TV"
	default:
		return "PC"
	}
}

func (d Device) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Device) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("device is not a string: %w", err)
	}
	parsed, err := ParseDevice(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type ProductInfo struct {
	ProductID  int    `json:"product_id"`
	BrandID    string `json:"brand_id"`
	CategoryID string `json:"category_id"`
	Price      int    `json:"price"`
}

// UserTag is a single view/buy event. This is both the HTTP ingest body and
// the event-bus payload.
type UserTag struct {
	Time        Time        `json:"time"`
	Cookie      string      `json:"cookie"`
	Country     string      `json:"country"`
	Device      Device      `json:"device"`
	Action      Action      `json:"action"`
	Origin      string      `json:"origin"`
	ProductInfo ProductInfo `json:"product_info"`
}

func (t *UserTag) Validate() error {
	if t.Cookie == "" {
		return fmt.Errorf("tag has no cookie")
	}
	if t.ProductInfo.Price < 0 {
		return fmt.Errorf("negative price %d", t.ProductInfo.Price)
	}
	return nil
}

func (t *UserTag) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

func Unmarshal(b []byte) (*UserTag, error) {
	tag := &UserTag{}
	if err := json.Unmarshal(b, tag); err != nil {
		return nil, err
	}
	return tag, nil
}
