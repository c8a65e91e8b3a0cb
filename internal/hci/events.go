package hci

// Capabilities is the Channel Sounding capability record of one controller.
type Capabilities struct {
	NumConfigSupported                uint8
	MaxConsecutiveProceduresSupported uint16
	NumAntennasSupported              uint8
	MaxAntennaPathsSupported          uint8
	RolesSupported                    uint8
	ModesSupported                    uint8
	RttCapability                     uint8
	RttAAOnlyN                        uint8
	RttSoundingN                      uint8
	RttRandomPayloadN                 uint8
	NadmSoundingCapability            uint16
	NadmRandomCapability              uint16
	SyncPhysSupported                 uint8
	SubfeaturesSupported              uint16
	TIP1TimesSupported                uint16
	TIP2TimesSupported                uint16
	TFCSTimesSupported                uint16
	TPMTimesSupported                 uint16
	TSWTimeSupported                  uint8
	// TxSnrCapability is present only when the accelerator negotiates SNR control.
	TxSnrCapability                   *uint8
}

// CommandStatus acknowledges a status-bearing command. It carries no handle.
type CommandStatus struct {
	OpCode OpCode
	Status ErrorCode
}

// CommandComplete finishes a command that returns parameters directly.
// Capabilities is set only for local capability reads.
type CommandComplete struct {
	OpCode           OpCode
	Status           ErrorCode
	ConnectionHandle uint16
	Capabilities     *Capabilities
}

// MetaEvent is an asynchronous LE meta event bound to a connection.
type MetaEvent interface {
	Subevent() SubeventCode
	Handle() uint16
}

type RemoteCapabilitiesComplete struct {
	Status           ErrorCode
	ConnectionHandle uint16
	Capabilities     Capabilities
}

func (RemoteCapabilitiesComplete) Subevent() SubeventCode {
	return SubeventReadRemoteCapabilitiesComplete
}
func (e RemoteCapabilitiesComplete) Handle() uint16 { return e.ConnectionHandle }

type SecurityEnableComplete struct {
	Status           ErrorCode
	ConnectionHandle uint16
}

func (SecurityEnableComplete) Subevent() SubeventCode { return SubeventSecurityEnableComplete }
func (e SecurityEnableComplete) Handle() uint16       { return e.ConnectionHandle }

// ConfigComplete carries the low-level configuration the controller settled on.
type ConfigComplete struct {
	Status               ErrorCode
	ConnectionHandle     uint16
	ConfigID             uint8
	Action               uint8
	MainModeType         uint8
	SubModeType          uint8
	MinMainModeSteps     uint8
	MaxMainModeSteps     uint8
	MainModeRepetition   uint8
	Mode0Steps           uint8
	Role                 CSRole
	RttType              uint8
	SyncPhy              uint8
	ChannelMap           ChannelMap
	ChannelMapRepetition uint8
	ChannelSelectionType uint8
	Ch3cShape            uint8
	Ch3cJump             uint8
	TIP1Time             uint8
	TIP2Time             uint8
	TFCSTime             uint8
	TPMTime              uint8
}

func (ConfigComplete) Subevent() SubeventCode { return SubeventConfigComplete }
func (e ConfigComplete) Handle() uint16       { return e.ConnectionHandle }

type ProcedureEnableComplete struct {
	Status                     ErrorCode
	ConnectionHandle           uint16
	ConfigID                   uint8
	State                      Enable
	ToneAntennaConfigSelection uint8
	SelectedTxPower            int8
	SubeventLen                uint32
	SubeventsPerEvent          uint8
	SubeventInterval           uint16
	EventInterval              uint16
	ProcedureInterval          uint16
	ProcedureCount             uint16
	MaxProcedureLen            uint16
}

func (ProcedureEnableComplete) Subevent() SubeventCode { return SubeventProcedureEnableComplete }
func (e ProcedureEnableComplete) Handle() uint16       { return e.ConnectionHandle }

// SubeventResultEvent carries raw step data for one subevent of a procedure.
// Continuation events set Continue and leave the procedure header fields zero.
type SubeventResultEvent struct {
	ConnectionHandle      uint16
	ConfigID              uint8
	Continue              bool
	StartACLConnEvent     uint16
	ProcedureCounter      uint16
	FrequencyCompensation int16
	ReferencePowerLevel   int8
	ProcedureDoneStatus   ProcedureDoneStatus
	SubeventDoneStatus    uint8
	AbortReason           uint8
	NumAntennaPaths       uint8
	NumStepsReported      uint8
	Steps                 []byte
}

func (e SubeventResultEvent) Subevent() SubeventCode {
	if e.Continue {
		return SubeventResultContinue
	}
	return SubeventResult
}
func (e SubeventResultEvent) Handle() uint16 { return e.ConnectionHandle }
