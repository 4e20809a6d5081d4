package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/replicore/replicore/internal/applier"
	"github.com/replicore/replicore/internal/config"
	"github.com/replicore/replicore/internal/sequencer"
	"github.com/replicore/replicore/internal/storage"
	"github.com/replicore/replicore/internal/supervisor"
	"github.com/replicore/replicore/internal/wire"
)

var storagePath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replication applier daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&storagePath, "storage", "replicore.db.log", "path to the reference store's append-only log")
}

func runDaemon(ctx context.Context) error {
	var cfg, err = config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	log.WithField("config", cfg.String()).Info("configuration loaded")

	var store, storeErr = storage.Open(storagePath)
	if storeErr != nil {
		return errors.Wrap(storeErr, "opening storage")
	}
	defer store.Close()

	var seq = sequencer.New(sequencer.Config{
		WAL:          store,
		Applier:      store,
		Durable:      store,
		SkipConflict: cfg.ReplicationSkipConflict,
	})

	var runCtx, cancel = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go seq.Run(runCtx)

	var peers = make([]supervisor.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		var acfg = applier.Config{
			PeerURI:             p.URI,
			LocalInstanceUUID:   cfg.InstanceUUID,
			LocalReplicasetUUID: cfg.ReplicasetUUID,
			Dial:                dialTCP,
			NewCodec:            newMsgpackCodec,
			DisconnectTimeout:   cfg.ReplicationDisconnectTimeout,
			SyncLag:             cfg.ReplicationSyncLag,
			WriterTimeout:       cfg.ReplicationTimeout,
			Sequencer:           seq,
			Durable:             store,
			JoinApplier:         store,
		}
		if p.User != "" {
			var password = p.Password
			acfg.Credentials = &applier.Credentials{
				Login: p.User,
				ComputeReply: func(salt []byte) []byte {
					return wire.ScrambleSHA1(password, salt)
				},
			}
		}
		peers = append(peers, supervisor.Peer{Name: p.Name, Applier: applier.New(acfg)})
	}

	var sv = supervisor.New(supervisor.Config{ReconnectInterval: cfg.ReplicationReconnectInterval})
	log.WithField("peers", len(peers)).Info("starting replication supervisor")
	return sv.Run(runCtx, peers)
}

func dialTCP(ctx context.Context, uri string) (net.Conn, error) {
	var d = net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, "tcp", uri)
}

func newMsgpackCodec(conn net.Conn, timeout time.Duration) wire.Codec {
	return wire.NewMsgpackCodec(conn, timeout)
}
