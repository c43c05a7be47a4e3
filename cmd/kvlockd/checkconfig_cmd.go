package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/kvlockd/internal/ring"
)

func newCheckConfigCommand() *cobra.Command {
	var membersFile string
	cmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate a membership file and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if membersFile == "" {
				return fmt.Errorf("checkconfig: --members is required")
			}
			snap, err := ring.LoadFile(membersFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "members=%d replication=%d", len(snap.Members), snap.Replication)
			if len(snap.TargetMembers) > 0 {
				fmt.Fprintf(out, " migrating_to=%d", len(snap.TargetMembers))
			}
			fmt.Fprintln(out)
			for _, m := range snap.Members {
				fmt.Fprintf(out, "node=%d addr=%s", m.ID, m.Addr)
				if m.Datacenter != "" {
					fmt.Fprintf(out, " datacenter=%s", m.Datacenter)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&membersFile, "members", "m", "", "path to the YAML membership file")
	return cmd
}

func newPlaceCommand() *cobra.Command {
	var membersFile string
	var datacenter string
	cmd := &cobra.Command{
		Use:   "place <table> <key>",
		Short: "Show which nodes replicate a table/key pair under a membership file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if membersFile == "" {
				return fmt.Errorf("place: --members is required")
			}
			snap, err := ring.LoadFile(membersFile)
			if err != nil {
				return err
			}
			r, err := ring.New(snap, nil)
			if err != nil {
				return err
			}
			rs, err := r.Hash(datacenter, []byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "desired_replication=%d\n", rs.DesiredReplication)
			for i, id := range rs.Replicas {
				fmt.Fprintf(out, "slot=%d node=%d", i, uint64(id))
				if t := rs.TransitioningAt(i); !t.IsZero() {
					fmt.Fprintf(out, " transitioning_to=%d", uint64(t))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&membersFile, "members", "m", "", "path to the YAML membership file")
	cmd.Flags().StringVar(&datacenter, "datacenter", "", "restrict placement to this datacenter")
	return cmd
}
