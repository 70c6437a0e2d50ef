package billing

// Normalised monthly-equivalent multipliers for unbounded templates.
var monthlyMultiplier = map[Kind]float64{
	KindWeekly:    4.33,
	KindMonthly:   1,
	KindQuarterly: 0.33,
	KindYearly:    0.083,
}

// Approximate cycle lengths in days, used to estimate when a capped template
// exhausts its remaining occurrences.
var cycleDays = map[Kind]int{
	KindWeekly:    7,
	KindMonthly:   30,
	KindQuarterly: 90,
	KindYearly:    365,
}

const projectionHorizonDays = 30

// Projection holds normalised monthly recurring value per currency.
// Currencies are never converted or merged; Mixed flags that more than one
// currency contributes and the caller must present that explicitly.
type Projection struct {
	Currencies map[string]float64 `json:"currencies"`
	Mixed      bool               `json:"mixed"`
}

// ProjectMonthly converts active recurring templates into a monthly value per
// currency. Pure function: same input, same output.
//
// Unbounded templates contribute total * multiplier. Capped templates with no
// remaining occurrences contribute nothing; capped templates that will
// exhaust inside the horizon contribute their full remaining value (a
// monthly-equivalent rate would overstate revenue that is about to stop);
// otherwise the unbounded multiplier applies.
//
// Recurrence values outside the supported set contribute nothing. The
// projection is an advisory estimate; the generation path is where a bad
// value must surface as an error, and it does.
func ProjectMonthly(templates []Template) Projection {
	currencies := make(map[string]float64)
	for _, tpl := range templates {
		if tpl.Recurrence == nil || !tpl.AutoGenerate {
			continue
		}
		kind := *tpl.Recurrence
		multiplier, ok := monthlyMultiplier[kind]
		if !ok {
			continue
		}
		total := tpl.Amounts().Total

		value := total * multiplier
		if remaining, capped := tpl.Remaining(); capped {
			if remaining <= 0 {
				continue
			}
			if remaining*cycleDays[kind] <= projectionHorizonDays {
				value = total * float64(remaining)
			}
		}
		currencies[tpl.Currency] += value
	}
	return Projection{Currencies: currencies, Mixed: len(currencies) > 1}
}
