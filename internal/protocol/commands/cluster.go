package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/kvshard/kvshard/internal/cluster"
	"github.com/kvshard/kvshard/internal/cluster/hash"
	"github.com/kvshard/kvshard/internal/cluster/migration"
	"github.com/kvshard/kvshard/pkg/bytes"
	kverrors "github.com/kvshard/kvshard/pkg/errors"
	"github.com/kvshard/kvshard/pkg/protocolbuf"
)

type ClusterHandler struct {
	cluster  *cluster.Cluster
	migrator *migration.Migrator
}

func NewClusterHandler(c *cluster.Cluster) *ClusterHandler {
	return &ClusterHandler{cluster: c}
}

// SetMigrator wires the slot migration driver into the CLUSTER MIGRATE-SLOT
// command surface. Nil makes CLUSTER MIGRATE-SLOT return an error; CLUSTER
// IMPORT does not use the migrator.
func (h *ClusterHandler) SetMigrator(m *migration.Migrator) {
	h.migrator = m
}

func (h *ClusterHandler) HandleCluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}

	subcmd := strings.ToUpper(string(args[0]))

	switch subcmd {
	case "INFO":
		h.clusterInfo(conn)
	case "NODES":
		h.clusterNodes(conn)
	case "SLOTS":
		h.clusterSlots(conn)
	case "KEYSLOT":
		h.clusterKeySlot(conn, args[1:])
	case "MEET":
		h.clusterMeet(conn, args[1:])
	case "ADDSLOTS":
		h.clusterAddSlots(conn, args[1:])
	case "DELSLOTS":
		h.clusterDelSlots(conn, args[1:])
	case "SETSLOT":
		h.clusterSetSlot(conn, args[1:])
	case "MYID":
		h.clusterMyID(conn)
	case "GETKEYSINSLOT":
		h.clusterGetKeysInSlot(conn, args[1:])
	case "COUNTKEYSINSLOT":
		h.clusterCountKeysInSlot(conn, args[1:])
	case "MIGRATE-SLOT":
		h.clusterMigrateSlot(conn, args[1:])
	case "IMPORT":
		h.clusterImportSlot(conn, args[1:])
	default:
		conn.WriteError("ERR unknown subcommand '" + subcmd + "'")
	}
}

func (h *ClusterHandler) clusterInfo(conn redcon.Conn) {
	info := h.cluster.GetClusterInfo()

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)
	for k, v := range info {
		buf.WriteString(fmt.Sprintf("%s:%v\r\n", k, v))
	}

	conn.WriteBulk(buf.Bytes())
}

func (h *ClusterHandler) clusterNodes(conn redcon.Conn) {
	nodes := h.cluster.GetNodes()
	self := h.cluster.GetSelf()
	slotMgr := h.cluster.GetSlotManager()

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)
	for _, node := range nodes {
		flags := node.Role.String()
		if node.ID == self.ID {
			flags = "myself," + flags
		}
		if node.State == cluster.NodeStateFail {
			flags += ",fail"
		} else if node.State == cluster.NodeStatePFail {
			flags += ",fail?"
		}

		masterID := "-"
		if node.MasterID != "" {
			masterID = node.MasterID
		}

		linkState := "connected"
		if node.State != cluster.NodeStateConnected {
			linkState = "disconnected"
		}

		slotRanges := h.buildNodeSlotRanges(node.ID, slotMgr)

		line := fmt.Sprintf("%s %s:%d@%d %s %s %d %d 0 %s %s\n",
			node.ID,
			node.IP, node.Port, node.ClusterPort,
			flags,
			masterID,
			node.PingSent,
			node.PongReceived,
			linkState,
			slotRanges,
		)
		buf.WriteString(line)
	}

	conn.WriteBulk(buf.Bytes())
}

func (h *ClusterHandler) buildNodeSlotRanges(nodeID string, slotMgr *cluster.SlotManager) string {
	slots := slotMgr.GetNodeSlots(nodeID)
	if len(slots) == 0 {
		return ""
	}

	sortSlots(slots)

	var parts []string

	if len(slots) > 0 {
		start := slots[0]
		end := slots[0]
		for i := 1; i < len(slots); i++ {
			if slots[i] == end+1 {
				end = slots[i]
			} else {
				parts = append(parts, formatSlotRange(start, end))
				start = slots[i]
				end = slots[i]
			}
		}
		parts = append(parts, formatSlotRange(start, end))
	}

	for _, slot := range slots {
		info := slotMgr.GetSlotInfo(slot)
		if info == nil {
			continue
		}
		if info.State == cluster.SlotStateExporting && info.Exporting != "" {
			parts = append(parts, fmt.Sprintf("[%d->-%s]", slot, info.Exporting))
		} else if info.State == cluster.SlotStateImporting && info.Importing != "" {
			parts = append(parts, fmt.Sprintf("[%d-<-%s]", slot, info.Importing))
		}
	}

	return strings.Join(parts, " ")
}

func formatSlotRange(start, end uint16) string {
	if start == end {
		return strconv.FormatUint(uint64(start), 10)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

func sortSlots(slots []uint16) {
	for i := 0; i < len(slots)-1; i++ {
		for j := i + 1; j < len(slots); j++ {
			if slots[i] > slots[j] {
				slots[i], slots[j] = slots[j], slots[i]
			}
		}
	}
}

func (h *ClusterHandler) clusterSlots(conn redcon.Conn) {
	ranges := h.cluster.GetClusterSlots()

	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		node := h.cluster.GetSlotNode(r.Start)
		if node == nil {
			continue
		}

		conn.WriteArray(3)
		conn.WriteInt64(int64(r.Start))
		conn.WriteInt64(int64(r.End))

		conn.WriteArray(3)
		conn.WriteBulkString(node.IP)
		conn.WriteInt(node.Port)
		conn.WriteBulkString(node.ID)
	}
}

func (h *ClusterHandler) clusterKeySlot(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster keyslot' command")
		return
	}

	slot := hash.KeySlot(bytes.BytesToString(args[0]))
	conn.WriteInt64(int64(slot))
}

func (h *ClusterHandler) clusterMeet(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster meet' command")
		return
	}

	ip := bytes.BytesToString(args[0])
	port, err := strconv.Atoi(bytes.BytesToString(args[1]))
	if err != nil {
		conn.WriteError("ERR Invalid port")
		return
	}

	clusterPort := port + 10000
	if len(args) >= 3 {
		clusterPort, _ = strconv.Atoi(string(args[2]))
	}

	addr := fmt.Sprintf("%s:%d", ip, clusterPort)
	if err := h.cluster.Meet(addr); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	conn.WriteString("OK")
}

func (h *ClusterHandler) clusterAddSlots(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster addslots' command")
		return
	}

	slots := make([]uint16, 0, len(args))
	for _, arg := range args {
		slot, err := strconv.ParseUint(bytes.BytesToString(arg), 10, 16)
		if err != nil || slot >= hash.SlotCount {
			conn.WriteError("ERR Invalid slot")
			return
		}
		slots = append(slots, uint16(slot))
	}

	if err := h.cluster.AssignSlots(slots); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	conn.WriteString("OK")
}

func (h *ClusterHandler) clusterDelSlots(conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
}

func (h *ClusterHandler) clusterSetSlot(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster setslot' command")
		return
	}

	slot, err := strconv.ParseUint(bytes.BytesToString(args[0]), 10, 16)
	if err != nil || slot >= hash.SlotCount {
		conn.WriteError("ERR Invalid slot")
		return
	}

	subcmd := strings.ToUpper(bytes.BytesToString(args[1]))
	slotMgr := h.cluster.GetSlotManager()

	switch subcmd {
	case "MIGRATING":
		if len(args) < 3 {
			conn.WriteError("ERR wrong number of arguments for 'cluster setslot migrating' command")
			return
		}
		targetNodeID := bytes.BytesToString(args[2])
		slotMgr.SetExporting(uint16(slot), targetNodeID)
		h.cluster.IncrementEpoch()
		conn.WriteString("OK")

	case "IMPORTING":
		if len(args) < 3 {
			conn.WriteError("ERR wrong number of arguments for 'cluster setslot importing' command")
			return
		}
		sourceNodeID := bytes.BytesToString(args[2])
		slotMgr.SetImporting(uint16(slot), sourceNodeID)
		h.cluster.IncrementEpoch()
		conn.WriteString("OK")

	case "NODE":
		if len(args) < 3 {
			conn.WriteError("ERR wrong number of arguments for 'cluster setslot node' command")
			return
		}
		newOwnerID := bytes.BytesToString(args[2])
		slotMgr.FinishMigration(uint16(slot), newOwnerID)
		h.cluster.IncrementEpoch()
		conn.WriteString("OK")

	case "STABLE":
		slotMgr.SetStable(uint16(slot))
		conn.WriteString("OK")

	default:
		conn.WriteError("ERR Invalid CLUSTER SETSLOT action or number of arguments")
	}
}

func (h *ClusterHandler) clusterMyID(conn redcon.Conn) {
	self := h.cluster.GetSelf()
	conn.WriteBulkString(self.ID)
}

func (h *ClusterHandler) clusterGetKeysInSlot(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster getkeysinslot' command")
		return
	}
	conn.WriteArray(0)
}

func (h *ClusterHandler) clusterCountKeysInSlot(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster countkeysinslot' command")
		return
	}
	conn.WriteInt(0)
}

func (h *ClusterHandler) CheckKeyRouting(key string) error {
	node, err := h.cluster.RouteKey(key)
	if err == nil {
		return nil
	}

	slot := h.cluster.GetKeySlot(key)

	if err == cluster.ErrMoved && node != nil {
		return &cluster.ClusterError{
			Type: "MOVED",
			Slot: slot,
			Addr: node.Addr(),
		}
	}

	if err == cluster.ErrAsk && node != nil {
		return &cluster.ClusterError{
			Type: "ASK",
			Slot: slot,
			Addr: node.Addr(),
		}
	}

	return err
}

func (h *ClusterHandler) GetCluster() *cluster.Cluster {
	return h.cluster
}

// clusterMigrateSlot dispatches the operator-facing migration surface:
// BEGIN starts a one-shot job, the rest are status/control.
func (h *ClusterHandler) clusterMigrateSlot(conn redcon.Conn, args [][]byte) {
	if h.migrator == nil {
		conn.WriteError("ERR cluster migration is not enabled")
		return
	}
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster migrate-slot' command")
		return
	}

	action := strings.ToUpper(bytes.BytesToString(args[0]))
	rest := args[1:]

	switch action {
	case "BEGIN":
		h.migrateSlotBegin(conn, rest)
	case "STATUS":
		h.migrateSlotStatus(conn)
	case "STOP":
		h.migrator.StopCurrent()
		conn.WriteString("OK")
	case "SETSPEED":
		h.migrateSlotSetInt(conn, rest, "speed", func(v int64) { h.migrator.SetMaxSpeed(v) })
	case "SETPIPELINE":
		h.migrateSlotSetInt(conn, rest, "pipeline size", func(v int64) { h.migrator.SetMaxPipeline(int(v)) })
	case "SETSEQGAP":
		h.migrateSlotSetInt(conn, rest, "seq gap", func(v int64) { h.migrator.SetSeqGapLimit(uint64(v)) })
	default:
		conn.WriteError("ERR Invalid CLUSTER MIGRATE-SLOT action")
	}
}

func (h *ClusterHandler) migrateSlotSetInt(conn redcon.Conn, args [][]byte, label string, apply func(int64)) {
	if len(args) != 1 {
		conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for 'cluster migrate-slot set%s' command", label))
		return
	}
	v, err := strconv.ParseInt(bytes.BytesToString(args[0]), 10, 64)
	if err != nil {
		conn.WriteError("ERR Invalid " + label)
		return
	}
	apply(v)
	conn.WriteString("OK")
}

func (h *ClusterHandler) migrateSlotBegin(conn redcon.Conn, args [][]byte) {
	if len(args) < 4 {
		conn.WriteError("ERR wrong number of arguments for 'cluster migrate-slot begin' command")
		return
	}

	dstNodeID := bytes.BytesToString(args[0])
	dstIP := bytes.BytesToString(args[1])
	dstPort, err := strconv.Atoi(bytes.BytesToString(args[2]))
	if err != nil {
		conn.WriteError("ERR Invalid destination port")
		return
	}
	slot, err := strconv.ParseUint(bytes.BytesToString(args[3]), 10, 16)
	if err != nil || slot >= hash.SlotCount {
		conn.WriteError("ERR Invalid slot")
		return
	}

	job := migration.Job{
		Slot:      uint16(slot),
		DstNodeID: dstNodeID,
		DstIP:     dstIP,
		DstPort:   dstPort,
	}
	if len(args) >= 5 {
		if v, err := strconv.ParseInt(bytes.BytesToString(args[4]), 10, 64); err == nil && v > 0 {
			job.MaxSpeed = v
		}
	}
	if len(args) >= 6 {
		if v, err := strconv.Atoi(bytes.BytesToString(args[5])); err == nil && v > 0 {
			job.MaxPipeline = v
		}
	}
	if len(args) >= 7 {
		if v, err := strconv.ParseUint(bytes.BytesToString(args[6]), 10, 64); err == nil && v > 0 {
			job.SeqGapLimit = v
		}
	}

	switch err := h.migrator.Submit(job); {
	case err == nil:
		conn.WriteString("OK")
	case errors.Is(err, kverrors.ErrMigrationInProgress):
		conn.WriteError("ERR already migrating")
	case errors.Is(err, kverrors.ErrSlotNotOwned):
		conn.WriteError("ERR slot already migrated elsewhere")
	default:
		conn.WriteError("ERR " + err.Error())
	}
}

func (h *ClusterHandler) migrateSlotStatus(conn redcon.Conn) {
	info := h.migrator.GetMigrationInfo()
	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)
	buf.WriteString(fmt.Sprintf("migrating_slot:%d\r\n", info.MigratingSlot))
	buf.WriteString(fmt.Sprintf("destination_node:%s\r\n", info.DestinationNode))
	buf.WriteString(fmt.Sprintf("migrating_state:%s\r\n", info.State))
	conn.WriteBulk(buf.Bytes())
}

// clusterImportSlot implements the destination side of the handshake: the
// incoming migrator reports START/SUCCESS/FAILED for slot, and the local
// slot map is updated to match.
func (h *ClusterHandler) clusterImportSlot(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster import' command")
		return
	}

	slot, err := strconv.ParseUint(bytes.BytesToString(args[0]), 10, 16)
	if err != nil || slot >= hash.SlotCount {
		conn.WriteError("ERR Invalid slot")
		return
	}
	status, err := strconv.Atoi(bytes.BytesToString(args[1]))
	if err != nil {
		conn.WriteError("ERR Invalid status")
		return
	}

	slotMgr := h.cluster.GetSlotManager()
	switch status {
	case 0: // START
		slotMgr.SetImporting(uint16(slot), "")
	case 1: // SUCCESS
		slotMgr.FinishMigration(uint16(slot), h.cluster.GetNodeID())
		h.cluster.IncrementEpoch()
	case 2: // FAILED
		slotMgr.SetStable(uint16(slot))
	default:
		conn.WriteError("ERR Invalid import status")
		return
	}

	conn.WriteString("OK")
}
