package handlers

import (
	"context"
	"fmt"

	"github.com/3leaps/gostep/pkg/jobregistry"
)

// IdentityChecker fails when the application identity is incomplete.
type IdentityChecker struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

func (c IdentityChecker) CheckHealth(context.Context) error {
	switch {
	case c.BinaryName == "":
		return fmt.Errorf("app identity missing binary name")
	case c.EnvPrefix == "":
		return fmt.Errorf("app identity missing env prefix")
	case c.ConfigName == "":
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}

// StoreChecker fails when the job store cannot be read.
type StoreChecker struct {
	Store *jobregistry.Store
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if c.Store == nil {
		return fmt.Errorf("job store not initialized")
	}
	_, err := c.Store.FindJobIDs(ctx, jobregistry.StatusQueued)
	return err
}
