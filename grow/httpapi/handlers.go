package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow/monitor"
	"github.com/alepar/growmon/grow/moisture"
)

// CalibrationSaver persists a channel's calibration.
type CalibrationSaver interface {
	SaveCalibration(ctx context.Context, channel int, wet, dry float64) error
}

type Handlers struct {
	Sensors map[int]*moisture.Sensor
	// Saver is optional.
	Saver CalibrationSaver
	// Latest is optional and backs /api/report.
	Latest func() (monitor.Report, bool)
}

type calibrationResponse struct {
	Channel  int     `json:"channel"`
	Point    string  `json:"point"`
	Value    float64 `json:"value"`
	WetPoint float64 `json:"wet_point"`
	DryPoint float64 `json:"dry_point"`
	Saved    bool    `json:"saved"`
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) LatestReport(w http.ResponseWriter, _ *http.Request) {
	if h.Latest == nil {
		writeError(w, http.StatusNotFound, "reports are not available")
		return
	}
	r, ok := h.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no report yet")
		return
	}
	writeJSON(w, http.StatusOK, r)
}

// Moisture lists every channel without consuming their new data flags.
func (h *Handlers) Moisture(w http.ResponseWriter, _ *http.Request) {
	channels := make([]int, 0, len(h.Sensors))
	for ch := range h.Sensors {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	out := make([]moisture.Reading, 0, len(channels))
	for _, ch := range channels {
		out = append(out, h.Sensors[ch].Peek(false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) MoistureChannel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sensor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Peek(true))
}

// Calibrate sets the wet or dry point of a channel to ?value= or, without
// one, to the channel's current reading.
func (h *Handlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sensor(w, r)
	if !ok {
		return
	}
	point := mux.Vars(r)["point"]

	resp := calibrationResponse{Channel: s.Channel(), Point: point}
	if raw := r.URL.Query().Get("value"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			writeError(w, http.StatusBadRequest, "value must be a finite, non-negative number of pulses per second")
			return
		}
		if point == "wet" {
			resp.WetPoint, resp.DryPoint, err = s.SetWetPoint(v)
		} else {
			resp.WetPoint, resp.DryPoint, err = s.SetDryPoint(v)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if point == "wet" {
		resp.WetPoint, resp.DryPoint = s.CaptureWetPoint()
	} else {
		resp.WetPoint, resp.DryPoint = s.CaptureDryPoint()
	}
	resp.Value = resp.DryPoint
	if point == "wet" {
		resp.Value = resp.WetPoint
	}

	logger := log.WithFields(log.Fields{"channel": resp.Channel, "point": point})
	logger.Infof("calibrated to %.2f Hz", resp.Value)
	if resp.WetPoint == resp.DryPoint {
		logger.Warn("wet and dry points are equal, saturation is undefined until recalibrated")
	}

	if h.Saver != nil {
		if err := h.Saver.SaveCalibration(r.Context(), resp.Channel, resp.WetPoint, resp.DryPoint); err != nil {
			logger.Errorf("failed to save calibration: %s", err)
			writeError(w, http.StatusInternalServerError, "calibration applied but could not be saved")
			return
		}
		resp.Saved = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) sensor(w http.ResponseWriter, r *http.Request) (*moisture.Sensor, bool) {
	ch, err := strconv.Atoi(mux.Vars(r)["channel"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return nil, false
	}
	s, ok := h.Sensors[ch]
	if !ok {
		writeError(w, http.StatusNotFound, "channel "+strconv.Itoa(ch)+" is not enabled")
		return nil, false
	}
	return s, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write JSON: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": msg,
	})
}
