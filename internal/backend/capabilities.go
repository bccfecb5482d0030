package backend

// Client capability flags (spec.md §4.2a, §6). Only the subset the
// core negotiates or inspects is named; unrecognised bits round-trip
// through Capabilities untouched.
const (
	CapLongPassword     uint32 = 1 << 0
	CapFoundRows        uint32 = 1 << 1
	CapLongFlag         uint32 = 1 << 2
	CapConnectWithDB    uint32 = 1 << 3
	CapNoSchema         uint32 = 1 << 4
	CapCompress         uint32 = 1 << 5
	CapODBC             uint32 = 1 << 6
	CapLocalFiles       uint32 = 1 << 7
	CapIgnoreSpace      uint32 = 1 << 8
	CapProtocol41       uint32 = 1 << 9
	CapInteractive      uint32 = 1 << 10
	CapSSL              uint32 = 1 << 11
	CapIgnoreSigpipe    uint32 = 1 << 12
	CapTransactions     uint32 = 1 << 13
	CapReserved         uint32 = 1 << 14
	CapSecureConnection uint32 = 1 << 15
	CapMultiStatements  uint32 = 1 << 16
	CapMultiResults     uint32 = 1 << 17
	CapPSMultiResults   uint32 = 1 << 18
	CapPluginAuth       uint32 = 1 << 19
	CapConnectAttrs     uint32 = 1 << 20
	CapPluginAuthLenencData uint32 = 1 << 21
	CapCanHandleExpiredPasswords uint32 = 1 << 22
	CapSessionTrack     uint32 = 1 << 23
	CapDeprecateEOF     uint32 = 1 << 24
)

// clientCompatibleMask is the fixed bitset spec.md §4.2a ANDs against
// the backend's own negotiated capability mask before OR-ing in the
// proxy's required flags.
const clientCompatibleMask = CapLongPassword | CapFoundRows | CapLongFlag |
	CapConnectWithDB | CapLocalFiles | CapProtocol41 | CapTransactions |
	CapSecureConnection | CapMultiResults | CapPSMultiResults |
	CapPluginAuth | CapConnectAttrs | CapPluginAuthLenencData |
	CapDeprecateEOF

// NegotiateCapabilities computes the client capability flags the
// proxy sends in the handshake response, per spec.md §4.2a:
//
//	(serverCaps AND clientCompatibleMask)
//	  OR CapSSL (if useTLS)
//	  OR CapSessionTrack (if the service demands it)
//	  OR CapMultiStatements (always)
//	  OR CapConnectWithDB (iff hasInitialDB)
//	  OR CapPluginAuth (always)
func NegotiateCapabilities(serverCaps uint32, useTLS, wantSessionTrack, hasInitialDB bool) uint32 {
	caps := serverCaps & clientCompatibleMask
	caps |= CapMultiStatements
	caps |= CapPluginAuth
	if useTLS {
		caps |= CapSSL
	}
	if wantSessionTrack {
		caps |= CapSessionTrack
	}
	if hasInitialDB {
		caps |= CapConnectWithDB
	}
	return caps
}

// SERVER_STATUS flags relevant to the reply-state machine (spec.md §4.2, §8).
const (
	StatusInTrans            uint16 = 0x0001
	StatusAutocommit         uint16 = 0x0002
	StatusMoreResultsExists  uint16 = 0x0008
	StatusSessionStateChanged uint16 = 0x4000
)
