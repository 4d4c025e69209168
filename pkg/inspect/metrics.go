// Copyright 2026 The Postern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inspect

import (
	"io"
	"sort"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"postern.dev/postern/pkg/broker"
)

// WriteMetrics writes the broker counters and per-slot state to w in the
// Prometheus text exposition format. Output is deterministic for a given
// input: families and label values are emitted in sorted order.
func WriteMetrics(w io.Writer, snap broker.CountersSnapshot, blocks []BlockSnapshot) error {
	fams := []*dto.MetricFamily{
		opCounterFamily("postern_rounds_total",
			"Completed reply rounds per operation.", snap.Rounds),
		opCounterFamily("postern_errno_replies_total",
			"Rounds that replied with a negative errno, per operation.", snap.Errnos),
		scalarCounterFamily("postern_aborts_total",
			"Rounds killed by boundary violations.", snap.Aborts),
		scalarCounterFamily("postern_not_supported_total",
			"Unknown-operation replies.", snap.NotSupported),
		slotGaugeFamily("postern_slot_state",
			"Raw state word per slot.", blocks,
			func(b BlockSnapshot) float64 { return float64(b.StateRaw) }),
		slotGaugeFamily("postern_slot_arena_high_water_bytes",
			"Local staging mark per slot.", blocks,
			func(b BlockSnapshot) float64 { return float64(b.ArenaHighWater) }),
	}
	for _, fam := range fams {
		// The text encoder rejects empty families; a counter map with no
		// entries yet simply has nothing to expose.
		if len(fam.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return err
		}
	}
	return nil
}

func opCounterFamily(name, help string, byOp map[string]uint64) *dto.MetricFamily {
	ops := make([]string, 0, len(byOp))
	for op := range byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	fam := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, op := range ops {
		fam.Metric = append(fam.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{
				Name:  proto.String("op"),
				Value: proto.String(op),
			}},
			Counter: &dto.Counter{Value: proto.Float64(float64(byOp[op]))},
		})
	}
	return fam
}

func scalarCounterFamily(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

func slotGaugeFamily(name, help string, blocks []BlockSnapshot, value func(BlockSnapshot) float64) *dto.MetricFamily {
	fam := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, b := range blocks {
		fam.Metric = append(fam.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{
				Name:  proto.String("slot"),
				Value: proto.String(strconv.Itoa(b.Slot)),
			}},
			Gauge: &dto.Gauge{Value: proto.Float64(value(b))},
		})
	}
	return fam
}
