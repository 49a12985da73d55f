package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/6tail/lunar-go/calendar"
)

var weekdays = [...]string{"日", "一", "二", "三", "四", "五", "六"}

// TimeContext renders the current moment the way the companion speaks about
// it: Gregorian date with weekday and clock, plus the lunar calendar date and
// any festival falling on the day.
func TimeContext(now time.Time) string {
	solar := calendar.NewSolarFromDate(now)
	lunar := solar.GetLunar()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s 星期%s %s",
		now.Format("2006年01月02日"),
		weekdays[int(now.Weekday())],
		now.Format("15:04"))
	fmt.Fprintf(&sb, "，农历%s年%s月%s",
		lunar.GetYearInGanZhi(),
		lunar.GetMonthInChinese(),
		lunar.GetDayInChinese())

	var festivals []string
	for e := lunar.GetFestivals().Front(); e != nil; e = e.Next() {
		if s, ok := e.Value.(string); ok {
			festivals = append(festivals, s)
		}
	}
	for e := solar.GetFestivals().Front(); e != nil; e = e.Next() {
		if s, ok := e.Value.(string); ok {
			festivals = append(festivals, s)
		}
	}
	if len(festivals) > 0 {
		fmt.Fprintf(&sb, "，今天是%s", strings.Join(festivals, "、"))
	}
	return sb.String()
}
