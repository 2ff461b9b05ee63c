package metrics

import (
	"bytes"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Export gathers every registered metric and renders the text exposition
// format with host, region and node id attached to each sample
func Export(nodeID, region string) ([]byte, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	host, _ := os.Hostname()
	extra := []*dto.LabelPair{
		labelPair("host", host),
		labelPair("region", region),
		labelPair("id", nodeID),
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		for _, m := range mf.Metric {
			m.Label = append(m.Label, extra...)
		}
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric family %q: %w", mf.GetName(), err)
		}
	}

	return buf.Bytes(), nil
}

// ExportCompressed returns the same payload as Export, gzip compressed
func ExportCompressed(nodeID, region string) ([]byte, error) {
	raw, err := Export(nodeID, region)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress metrics: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressed metrics: %w", err)
	}

	return buf.Bytes(), nil
}

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: &name, Value: &value}
}
