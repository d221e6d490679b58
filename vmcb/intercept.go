package vmcb

// Bits in the first general intercept word.
const (
	InterceptINTR        = uint32(1) << 0
	InterceptNMI         = uint32(1) << 1
	InterceptSMI         = uint32(1) << 2
	InterceptINIT        = uint32(1) << 3
	InterceptVINTR       = uint32(1) << 4
	InterceptCR0SelWrite = uint32(1) << 5
	InterceptIDTRRead    = uint32(1) << 6
	InterceptGDTRRead    = uint32(1) << 7
	InterceptLDTRRead    = uint32(1) << 8
	InterceptTRRead      = uint32(1) << 9
	InterceptIDTRWrite   = uint32(1) << 10
	InterceptGDTRWrite   = uint32(1) << 11
	InterceptLDTRWrite   = uint32(1) << 12
	InterceptTRWrite     = uint32(1) << 13
	InterceptRDTSC       = uint32(1) << 14
	InterceptRDPMC       = uint32(1) << 15
	InterceptPUSHF       = uint32(1) << 16
	InterceptPOPF        = uint32(1) << 17
	InterceptCPUID       = uint32(1) << 18
	InterceptRSM         = uint32(1) << 19
	InterceptIRET        = uint32(1) << 20
	InterceptSWInt       = uint32(1) << 21
	InterceptINVD        = uint32(1) << 22
	InterceptPAUSE       = uint32(1) << 23
	InterceptHLT         = uint32(1) << 24
	InterceptINVLPG      = uint32(1) << 25
	InterceptINVLPGA     = uint32(1) << 26
	InterceptIOIO        = uint32(1) << 27
	InterceptMSR         = uint32(1) << 28
	InterceptTaskSwitch  = uint32(1) << 29
	InterceptFERRFreeze  = uint32(1) << 30
	InterceptShutdown    = uint32(1) << 31
)

// Bits in the second general intercept word.
const (
	InterceptVMRUN   = uint32(1) << 0
	InterceptVMMCALL = uint32(1) << 1
	InterceptVMLOAD  = uint32(1) << 2
	InterceptVMSAVE  = uint32(1) << 3
	InterceptSTGI    = uint32(1) << 4
	InterceptCLGI    = uint32(1) << 5
	InterceptSKINIT  = uint32(1) << 6
	InterceptRDTSCP  = uint32(1) << 7
	InterceptICEBP   = uint32(1) << 8
	InterceptWBINVD  = uint32(1) << 9
	InterceptMONITOR = uint32(1) << 10
	InterceptMWAIT   = uint32(1) << 11
)

// CRInterceptRead returns the read-intercept bit for control register n.
func CRInterceptRead(n int) uint32 { return uint32(1) << n }

// CRInterceptWrite returns the write-intercept bit for control register n.
func CRInterceptWrite(n int) uint32 { return uint32(1) << (16 + n) }

// ExceptionIntercept returns the intercept bit for exception vector v.
func ExceptionIntercept(v uint8) uint32 { return uint32(1) << v }
