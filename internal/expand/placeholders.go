package expand

import (
	"strings"
	"time"
	_ "time/tzdata" // reference zone must resolve on hosts without zoneinfo

	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// Placeholder tokens
const (
	DateToken = "{{date}}"
	TimeToken = "{{time}}"
)

// DefaultTimezone is the reference zone for placeholder values
const DefaultTimezone = "America/Los_Angeles"

const (
	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

// Moment holds the pre-formatted date and time for one expansion
type Moment struct {
	Date string
	Time string
}

// MomentAt formats t in loc
func MomentAt(t time.Time, loc *time.Location) Moment {
	local := t.In(loc)
	return Moment{
		Date: local.Format(dateLayout),
		Time: local.Format(timeLayout),
	}
}

// Substitute replaces the first {{date}} and the first {{time}} in every
// textual value. Commands without a textual value, or whose value holds
// neither token, are returned as they were.
func Substitute(commands []faxformat.Command, m Moment) []faxformat.Command {
	out := make([]faxformat.Command, len(commands))
	for i, cmd := range commands {
		out[i] = cmd

		text, ok := cmd.Text()
		if !ok {
			continue
		}

		replaced := strings.Replace(text, DateToken, m.Date, 1)
		replaced = strings.Replace(replaced, TimeToken, m.Time, 1)
		if replaced != text {
			out[i] = cmd.WithText(replaced)
		}
	}
	return out
}
