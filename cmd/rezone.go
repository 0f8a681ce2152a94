package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/kms"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/logger"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/rezone"
	"github.com/spf13/cobra"
)

// rezoneCmd groups the inbound operations spec.md §6 declares (submit,
// cancel, remove, status) under "zapfs-rezone rezone", mirroring how
// cmd/metadata.go groups the metadata server's subcommands.
var rezoneCmd = &cobra.Command{
	Use:   "rezone",
	Short: "Manage encryption zone re-encryption runs",
}

func init() {
	rezoneCmd.PersistentFlags().String("kms-provider", "aws", "KMS provider: aws or vault")
	rezoneCmd.PersistentFlags().String("aws-region", "", "AWS region for the aws KMS provider")
	rezoneCmd.PersistentFlags().String("vault-addr", "", "Vault address for the vault KMS provider")
	rezoneCmd.PersistentFlags().String("vault-token", "", "Vault token for the vault KMS provider")
	rezoneCmd.PersistentFlags().Int("batch-size", 0, "EDEKs per KMS call (0: default)")
	rezoneCmd.PersistentFlags().Int("edek-threads", 0, "Worker pool size (0: runtime.NumCPU())")
	rezoneCmd.PersistentFlags().Float64("throttle-ratio", 0, "Max share of wall time holding the read lock (0: default)")
	rezoneCmd.PersistentFlags().Int("sleep-interval-ms", 0, "Milliseconds between coordinator rescans of Submitted zones (0: default)")

	rezoneCmd.AddCommand(rezoneSubmitCmd, rezoneCancelCmd, rezoneRemoveCmd, rezoneStatusCmd)
}

var rezoneSubmitCmd = &cobra.Command{
	Use:   "submit <zone-path> <target-key-version>",
	Short: "Submit an encryption zone for re-encryption",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, _, err := buildManager(cmd.Context())
		if err != nil {
			return err
		}
		if err := mgr.Start(cmd.Context()); err != nil {
			return err
		}
		defer mgr.Stop()

		zoneID, err := mgr.Submit(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("submitted zone %d\n", uint64(zoneID))
		return nil
	},
}

var rezoneCancelCmd = &cobra.Command{
	Use:   "cancel <zone-id>",
	Short: "Cancel an in-progress re-encryption run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, _, err := buildManager(cmd.Context())
		if err != nil {
			return err
		}
		zoneID, err := parseZoneID(args[0])
		if err != nil {
			return err
		}
		return mgr.Cancel(cmd.Context(), zoneID)
	},
}

var rezoneRemoveCmd = &cobra.Command{
	Use:   "remove <zone-id>",
	Short: "Cancel (if active) and remove a zone's status record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, _, err := buildManager(cmd.Context())
		if err != nil {
			return err
		}
		zoneID, err := parseZoneID(args[0])
		if err != nil {
			return err
		}
		return mgr.Remove(cmd.Context(), zoneID)
	},
}

var rezoneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List every zone's re-encryption status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, _, err := buildManager(cmd.Context())
		if err != nil {
			return err
		}
		statuses, err := mgr.ListStatus(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range statuses {
			fmt.Printf("%d\t%s\t%s\t%s\tfiles=%d\tfailures=%d\n",
				uint64(s.ZoneID), s.ZonePath, s.Phase, s.EZKeyVersionName,
				s.FilesReencrypted, s.NumFailures)
		}
		return nil
	},
}

func parseZoneID(s string) (namespace.ZoneID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid zone id %q: %w", s, err)
	}
	return namespace.ZoneID(v), nil
}

// buildManager wires a Manager against the embedded in-memory reference
// namespace (pkg/namespace.Memory) and the KMS provider selected by flag.
// A production deployment replaces ns with a Namespace implementation
// backed by a real metadata service; the rest of this wiring is unchanged.
func buildManager(ctx context.Context) (*rezone.Manager, *namespace.Memory, error) {
	fl := NewFlagLoader(rezoneCmd, rootViper)

	cfg := rezone.DefaultConfig()
	if v := fl.Int("batch-size"); v > 0 {
		cfg.BatchSize = v
	}
	if v := fl.Int("edek-threads"); v > 0 {
		cfg.EDEKThreads = v
	}
	if v := fl.Float64("throttle-ratio"); v > 0 {
		cfg.ThrottleRatio = v
	}
	if v := fl.Int("sleep-interval-ms"); v > 0 {
		cfg.SleepInterval = time.Duration(v) * time.Millisecond
	}

	providerCfg := kms.Config{Provider: fl.String("kms-provider")}
	switch providerCfg.Provider {
	case "aws":
		providerCfg.AWS = &kms.AWSConfig{Region: fl.String("aws-region")}
	case "vault":
		providerCfg.Vault = &kms.VaultConfig{Address: fl.String("vault-addr"), Token: fl.String("vault-token")}
	}
	provider, err := kms.NewProvider(ctx, providerCfg)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("rezone: failed to construct KMS provider")
		return nil, nil, err
	}

	ns := namespace.NewMemory()
	return rezone.NewManager(ns, provider, cfg), ns, nil
}
