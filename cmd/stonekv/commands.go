package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stonedb/stonekv"
	"github.com/stonedb/stonekv/mvcc"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "set a single key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(dataDir)
			if err != nil {
				return err
			}
			txn, err := s.mvcc.Begin(mvcc.Mode{Kind: mvcc.ReadWrite})
			if err != nil {
				return err
			}
			key, value := []byte(args[0]), []byte(args[1])
			if err := txn.Set(key, value); err != nil {
				return err
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			return s.recordAndClose(walEntry{Op: "set", Key: key, Value: value})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "read a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(dataDir)
			if err != nil {
				return err
			}
			txn, err := s.mvcc.Begin(mvcc.Mode{Kind: mvcc.ReadOnly})
			if err != nil {
				return err
			}
			v, err := txn.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			if v == nil {
				fmt.Println("(nil)")
			} else {
				fmt.Println(string(v))
			}
			return s.recordAndClose()
		},
	}
}

func newScanCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "scan a key range or prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(dataDir)
			if err != nil {
				return err
			}
			txn, err := s.mvcc.Begin(mvcc.Mode{Kind: mvcc.ReadOnly})
			if err != nil {
				return err
			}

			var it *mvcc.ScanIterator
			if prefix != "" {
				it, err = txn.ScanPrefix([]byte(prefix))
				if err != nil {
					return err
				}
			} else {
				start, end := stonekv.UnboundedBound(), stonekv.UnboundedBound()
				if len(args) > 0 {
					start = stonekv.IncludedBound([]byte(args[0]))
				}
				if len(args) > 1 {
					end = stonekv.ExcludedBound([]byte(args[1]))
				}
				it = txn.Scan(stonekv.Range{Start: start, End: end})
			}
			defer it.Close()

			for {
				k, v, ok, err := it.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				fmt.Printf("%s=%s\n", k, v)
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			return s.recordAndClose()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "scan only keys under this prefix")
	return cmd
}

func newTxnCmd() *cobra.Command {
	var sets []string
	var dels []string
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "apply a batch of sets and deletes atomically",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(dataDir)
			if err != nil {
				return err
			}
			txn, err := s.mvcc.Begin(mvcc.Mode{Kind: mvcc.ReadWrite})
			if err != nil {
				return err
			}

			var entries []walEntry
			for _, kv := range sets {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--set expects key=value, got %q", kv)
				}
				if err := txn.Set([]byte(k), []byte(v)); err != nil {
					_ = txn.Rollback()
					return err
				}
				entries = append(entries, walEntry{Op: "set", Key: []byte(k), Value: []byte(v)})
			}
			for _, k := range dels {
				if err := txn.Delete([]byte(k)); err != nil {
					_ = txn.Rollback()
					return err
				}
				entries = append(entries, walEntry{Op: "del", Key: []byte(k)})
			}

			if err := txn.Commit(); err != nil {
				return err
			}
			return s.recordAndClose(entries...)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "key=value pair to set (repeatable)")
	cmd.Flags().StringArrayVar(&dels, "del", nil, "key to delete (repeatable)")
	return cmd
}
