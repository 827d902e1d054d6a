package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/telemetry/core/logger"
)

// Seed describes a device to provision
type Seed struct {
	ExternalID string `yaml:"external_id"`
	Name       string `yaml:"name"`
	Status     string `yaml:"status"`
}

type seedFile struct {
	Devices []Seed `yaml:"devices"`
}

// LoadSeed reads a YAML list of devices:
//
//	devices:
//	  - external_id: sensor-001
//	    name: Boiler room
//	    status: MAINTENANCE
func LoadSeed(r io.Reader) ([]Seed, error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot decode device seed: %w", err)
	}
	for _, s := range f.Devices {
		if err := ValidateExternalID(s.ExternalID); err != nil {
			return nil, err
		}
		if s.Status != "" {
			if _, err := ParseStatus(s.Status); err != nil {
				return nil, err
			}
		}
	}
	return f.Devices, nil
}

// Provision registers the seeded devices which do not exist yet. Existing
// devices are left untouched. It returns the number of devices created.
func Provision(ctx context.Context, dir Directory, seeds []Seed) (int, error) {
	rlog := logger.FromContext(ctx)
	created := 0
	for _, s := range seeds {
		_, err := dir.Lookup(ctx, s.ExternalID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUnknownDevice) {
			return created, err
		}
		now := time.Now()
		d, err := New(s.ExternalID, s.Name, now)
		if err != nil {
			return created, err
		}
		if s.Status != "" {
			status, _ := ParseStatus(s.Status)
			d.SetStatus(status, now)
		}
		if err = dir.Register(ctx, d); err != nil {
			return created, err
		}
		rlog.Infof("provisioned device %s (%s)", d.ExternalID, d.ID)
		created++
	}
	return created, nil
}
