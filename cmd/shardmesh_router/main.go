package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/mux"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/mesh"
	"github.com/shardmesh/shardmesh/pkg/program"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/topology/badgerstore"
	"github.com/shardmesh/shardmesh/pkg/util"
)

type shardConfiguration struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Region           string               `json:"region"`
	GeoTag           string               `json:"geoTag"`
	Weight           uint32               `json:"weight"`
	PrimaryAddress   string               `json:"primaryAddress"`
	ReplicaAddresses []string             `json:"replicaAddresses"`
	HashRanges       []topology.HashRange `json:"hashRanges"`
	KeyRanges        []topology.KeyRange  `json:"keyRanges"`
}

type rebalanceConfiguration struct {
	Enabled            bool    `json:"enabled"`
	ImbalanceThreshold float64 `json:"imbalanceThreshold"`
	Cooldown           string  `json:"cooldown"`
	MoveFraction       float64 `json:"moveFraction"`
}

type applicationConfiguration struct {
	ListenAddress       string                 `json:"listenAddress"`
	TopologyDirectory   string                 `json:"topologyDirectory"`
	Strategy            string                 `json:"strategy"`
	Distribution        string                 `json:"distribution"`
	Shards              []shardConfiguration   `json:"shards"`
	Rebalance           rebalanceConfiguration `json:"rebalance"`
	ConnectTimeout      string                 `json:"connectTimeout"`
	OperationTimeout    string                 `json:"operationTimeout"`
	DrainTimeout        string                 `json:"drainTimeout"`
	HealthProbeInterval string                 `json:"healthProbeInterval"`
	SlotsPerShard       int64                  `json:"slotsPerShard"`
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func main() {
	program.RunMain(func(ctx context.Context, group program.Group) error {
		if len(os.Args) != 2 {
			return status.Error(codes.InvalidArgument, "Usage: shardmesh_router shardmesh_router.jsonnet")
		}
		var configuration applicationConfiguration
		if err := util.UnmarshalConfigurationFromFile(os.Args[1], &configuration); err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
		}

		connectTimeout, err := parseDuration(configuration.ConnectTimeout, 5*time.Second)
		if err != nil {
			return util.StatusWrap(err, "Invalid connection timeout")
		}
		operationTimeout, err := parseDuration(configuration.OperationTimeout, 30*time.Second)
		if err != nil {
			return util.StatusWrap(err, "Invalid operation timeout")
		}
		drainTimeout, err := parseDuration(configuration.DrainTimeout, 30*time.Second)
		if err != nil {
			return util.StatusWrap(err, "Invalid drain timeout")
		}
		probeInterval, err := parseDuration(configuration.HealthProbeInterval, 15*time.Second)
		if err != nil {
			return util.StatusWrap(err, "Invalid health probe interval")
		}
		cooldown, err := parseDuration(configuration.Rebalance.Cooldown, 5*time.Minute)
		if err != nil {
			return util.StatusWrap(err, "Invalid rebalance cooldown")
		}

		var persister topology.Persister
		if configuration.TopologyDirectory != "" {
			db, err := badger.Open(
				badger.DefaultOptions(configuration.TopologyDirectory).WithLogger(nil))
			if err != nil {
				return util.StatusWrap(err, "Failed to open topology database")
			}
			defer db.Close()
			persister = badgerstore.NewBadgerPersister(db)
		}

		shards := make([]topology.ShardDescriptor, 0, len(configuration.Shards))
		for _, shard := range configuration.Shards {
			shards = append(shards, topology.ShardDescriptor{
				ID:               shard.ID,
				Name:             shard.Name,
				Region:           shard.Region,
				GeoTag:           shard.GeoTag,
				Weight:           shard.Weight,
				PrimaryAddress:   shard.PrimaryAddress,
				ReplicaAddresses: shard.ReplicaAddresses,
				HashRanges:       shard.HashRanges,
				KeyRanges:        shard.KeyRanges,
				Status:           topology.StatusProvisioning,
			})
		}

		m, err := mesh.NewMesh(&mesh.Options{
			Rule: topology.ShardingRule{
				Strategy:     topology.Strategy(configuration.Strategy),
				Distribution: topology.DistributionPolicy(configuration.Distribution),
				Migration: topology.MigrationPolicy{
					Enabled:            configuration.Rebalance.Enabled,
					ImbalanceThreshold: configuration.Rebalance.ImbalanceThreshold,
					Cooldown:           cooldown,
					MoveFraction:       configuration.Rebalance.MoveFraction,
				},
			},
			Shards:           shards,
			Persister:        persister,
			ConnectTimeout:   connectTimeout,
			OperationTimeout: operationTimeout,
			DrainTimeout:     drainTimeout,
			SlotsPerShard:    configuration.SlotsPerShard,
		})
		if err != nil {
			return util.StatusWrap(err, "Failed to create mesh")
		}

		group.Go(func(ctx context.Context, group program.Group) error {
			return m.RunHealthProber(ctx, probeInterval)
		})

		router := mux.NewRouter()
		util.RegisterAdministrativeHTTPEndpoints(router)
		registerMeshEndpoints(router, m)

		group.Go(func(ctx context.Context, group program.Group) error {
			server := &http.Server{
				Addr:    configuration.ListenAddress,
				Handler: router,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
				m.Close()
			}()
			log.Printf("Listening on %s", configuration.ListenAddress)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return util.StatusWrap(err, "Administrative HTTP server failure")
			}
			return nil
		})
		return nil
	})
}

func registerMeshEndpoints(router *mux.Router, m *mesh.Mesh) {
	router.HandleFunc("/topology", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.TopologySnapshot())
	}).Methods("GET")

	router.HandleFunc("/shard_metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.MetricsSnapshot())
	}).Methods("GET")

	router.HandleFunc("/shards", func(w http.ResponseWriter, r *http.Request) {
		var descriptor topology.ShardDescriptor
		if err := json.NewDecoder(r.Body).Decode(&descriptor); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := m.AddShard(r.Context(), descriptor)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "reason": "shard added"})
	}).Methods("POST")

	router.HandleFunc("/shards/{id}/resource_usage", func(w http.ResponseWriter, r *http.Request) {
		var usage struct {
			DiskUsage   float64 `json:"diskUsage"`
			CPUUsage    float64 `json:"cpuUsage"`
			MemoryUsage float64 `json:"memoryUsage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&usage); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.SetResourceUsage(mux.Vars(r)["id"], usage.DiskUsage, usage.CPUUsage, usage.MemoryUsage); err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, map[string]string{"reason": "resource usage recorded"})
	}).Methods("POST")

	router.HandleFunc("/shards/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := m.RemoveShard(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, map[string]string{"reason": "shard drained and removed"})
	}).Methods("DELETE")

	router.HandleFunc("/rebalance", func(w http.ResponseWriter, r *http.Request) {
		moved, err := m.Rebalance(r.Context())
		if err != nil {
			writeStatusError(w, err)
			return
		}
		reason := "topology already balanced"
		if moved {
			reason = "range migration performed"
		}
		writeJSON(w, map[string]interface{}{"rebalanced": moved, "reason": reason})
	}).Methods("POST")
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func writeStatusError(w http.ResponseWriter, err error) {
	s := status.Convert(err)
	httpStatus := http.StatusInternalServerError
	switch s.Code() {
	case codes.NotFound:
		httpStatus = http.StatusNotFound
	case codes.AlreadyExists:
		httpStatus = http.StatusConflict
	case codes.FailedPrecondition, codes.InvalidArgument:
		httpStatus = http.StatusBadRequest
	case codes.Unavailable:
		httpStatus = http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		httpStatus = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]string{"reason": s.Message()})
}
