package events

// counterKey identifies one (flag, variation, version) counter. Values for a
// given key are identical by construction, so the counter stores the value
// alongside the count instead of keying on it.
type counterKey struct {
	flagKey   string
	variation int // -1 when the default value was served
	version   int // 0 when the flag was unknown
}

type counterValue struct {
	count int
	value any
}

// eventSummary folds evaluation events into per-flag counters over one flush
// window, replacing most discrete events to bound payload size. It is owned
// by the dispatcher goroutine and needs no locking.
type eventSummary struct {
	startDate    int64
	endDate      int64
	counters     map[counterKey]*counterValue
	defaults     map[string]any
	contextKinds map[string]map[string]struct{}
}

func newEventSummary() *eventSummary {
	s := &eventSummary{}
	s.reset()
	return s
}

func (s *eventSummary) reset() {
	s.startDate = 0
	s.endDate = 0
	s.counters = make(map[counterKey]*counterValue)
	s.defaults = make(map[string]any)
	s.contextKinds = make(map[string]map[string]struct{})
}

func (s *eventSummary) empty() bool {
	return len(s.counters) == 0
}

func (s *eventSummary) add(ev EvaluationData) {
	key := counterKey{flagKey: ev.FlagKey, variation: -1, version: ev.Version}
	if ev.VariationIndex != nil {
		key.variation = *ev.VariationIndex
	}

	if c, ok := s.counters[key]; ok {
		c.count++
	} else {
		s.counters[key] = &counterValue{count: 1, value: ev.Value}
	}

	if _, ok := s.defaults[ev.FlagKey]; !ok {
		s.defaults[ev.FlagKey] = ev.Default
	}
	kinds, ok := s.contextKinds[ev.FlagKey]
	if !ok {
		kinds = make(map[string]struct{})
		s.contextKinds[ev.FlagKey] = kinds
	}
	kinds[ev.Context.KindOrDefault()] = struct{}{}

	if s.startDate == 0 || ev.CreationDate < s.startDate {
		s.startDate = ev.CreationDate
	}
	if ev.CreationDate > s.endDate {
		s.endDate = ev.CreationDate
	}
}

// snapshot renders the wire representation of the accumulated counters.
func (s *eventSummary) snapshot() summaryEventOutput {
	out := summaryEventOutput{
		Kind:      kindSummary,
		StartDate: s.startDate,
		EndDate:   s.endDate,
		Features:  make(map[string]flagSummaryOutput, len(s.defaults)),
	}

	for key, c := range s.counters {
		flag, ok := out.Features[key.flagKey]
		if !ok {
			flag = flagSummaryOutput{Default: s.defaults[key.flagKey]}
			for kind := range s.contextKinds[key.flagKey] {
				flag.ContextKinds = append(flag.ContextKinds, kind)
			}
		}

		counter := counterOutput{Value: c.value, Count: c.count}
		if key.variation >= 0 {
			v := key.variation
			counter.Variation = &v
		}
		if key.version > 0 {
			v := key.version
			counter.Version = &v
		} else {
			counter.Unknown = true
		}
		flag.Counters = append(flag.Counters, counter)
		out.Features[key.flagKey] = flag
	}
	return out
}
