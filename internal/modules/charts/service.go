package charts

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

// Timeframe is a client-requested chart window.
type Timeframe string

// Supported chart windows.
const (
	Timeframe1D  Timeframe = "1D"
	Timeframe1W  Timeframe = "1W"
	Timeframe1M  Timeframe = "1M"
	Timeframe3M  Timeframe = "3M"
	Timeframe1Y  Timeframe = "1Y"
	TimeframeAll Timeframe = "ALL"
)

// smaWindow is how many chart points feed the moving-average overlay.
const smaWindow = 7

// ParseTimeframe validates a client-supplied timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1D, Timeframe1W, Timeframe1M, Timeframe3M, Timeframe1Y, TimeframeAll:
		return Timeframe(s), nil
	default:
		return "", fmt.Errorf("invalid timeframe: %s (must be 1D, 1W, 1M, 3M, 1Y or ALL)", s)
	}
}

// start returns the window's lower bound; zero means unbounded.
func (tf Timeframe) start(now time.Time) time.Time {
	switch tf {
	case Timeframe1D:
		return now.AddDate(0, 0, -1)
	case Timeframe1W:
		return now.AddDate(0, 0, -7)
	case Timeframe1M:
		return now.AddDate(0, -1, 0)
	case Timeframe3M:
		return now.AddDate(0, -3, 0)
	case Timeframe1Y:
		return now.AddDate(-1, 0, 0)
	default:
		return time.Time{}
	}
}

// bucket maps a snapshot timestamp to its aggregation key. Empty means
// the window keeps raw points.
func (tf Timeframe) bucket(t time.Time) string {
	switch tf {
	case Timeframe1M, Timeframe3M:
		return t.Format("2006-01-02")
	case Timeframe1Y:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case TimeframeAll:
		return t.Format("2006-01")
	default:
		return ""
	}
}

// Point is one chart sample. SMA is set once enough points precede it.
type Point struct {
	Ts    int64    `json:"ts"`
	Value float64  `json:"value"`
	SMA   *float64 `json:"sma,omitempty"`
}

// Series is the payload of a chart_data frame.
type Series struct {
	Timeframe Timeframe `json:"timeframe"`
	Points    []Point   `json:"points"`
	SMAWindow int       `json:"sma_window,omitempty"`
}

// Service turns recorded portfolio values into chart series. Short
// windows return raw snapshots; longer ones aggregate to daily, weekly,
// or monthly averages so the frame stays small.
type Service struct {
	history *HistoryRepository
	log     zerolog.Logger
}

// NewService creates the chart frame builder.
func NewService(history *HistoryRepository, log zerolog.Logger) *Service {
	return &Service{
		history: history,
		log:     log.With().Str("component", "charts").Logger(),
	}
}

// Frame builds the chart series for one user and timeframe.
func (s *Service) Frame(ctx context.Context, userID string, tf Timeframe) (*Series, error) {
	now := time.Now().UTC()
	history, err := s.history.Range(ctx, userID, tf.start(now), now)
	if err != nil {
		return nil, err
	}

	series := &Series{Timeframe: tf, Points: aggregate(tf, history)}
	attachSMA(series)
	return series, nil
}

// aggregate averages snapshots per bucket. Input is oldest-first, so
// first-seen bucket order is chronological.
func aggregate(tf Timeframe, history []HistoryPoint) []Point {
	points := make([]Point, 0, len(history))
	type bucketAccum struct {
		index int
		sum   float64
		count int
	}
	buckets := make(map[string]*bucketAccum)

	for i := range history {
		h := &history[i]
		value := h.TotalValue.InexactFloat64()
		key := tf.bucket(h.Ts)
		if key == "" {
			points = append(points, Point{Ts: h.Ts.UnixMilli(), Value: value})
			continue
		}

		b, ok := buckets[key]
		if !ok {
			points = append(points, Point{})
			b = &bucketAccum{index: len(points) - 1}
			buckets[key] = b
		}
		b.sum += value
		b.count++
		// The bucket keeps its latest timestamp and running average.
		points[b.index] = Point{Ts: h.Ts.UnixMilli(), Value: b.sum / float64(b.count)}
	}
	return points
}

// attachSMA overlays a simple moving average once the series is long
// enough for one full window.
func attachSMA(series *Series) {
	if len(series.Points) < smaWindow {
		return
	}
	values := make([]float64, len(series.Points))
	for i, p := range series.Points {
		values[i] = p.Value
	}
	sma := talib.Sma(values, smaWindow)
	for i := smaWindow - 1; i < len(series.Points); i++ {
		v := sma[i]
		series.Points[i].SMA = &v
	}
	series.SMAWindow = smaWindow
}
