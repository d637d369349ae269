package canopen

// Check if the CAN id is restricted, CAN ids that are
// used by the CANopen stack itself (NMT, SYNC default, SDO, LSS, error control)
func IsIDRestricted(canId uint16) bool {
	return canId <= 0x7f ||
		(canId >= 0x101 && canId <= 0x180) ||
		(canId >= 0x581 && canId <= 0x5FF) ||
		(canId >= 0x601 && canId <= 0x67F) ||
		(canId >= 0x6E0 && canId <= 0x6FF) ||
		canId >= 0x701
}

// Default COB-IDs of communication objects, without node id
const (
	ServiceNMT       uint16 = 0x000
	ServiceSYNC      uint16 = 0x080
	ServiceEMCY      uint16 = 0x080
	ServiceTPDO1     uint16 = 0x180
	ServiceRPDO1     uint16 = 0x200
	ServiceSDOTx     uint16 = 0x580
	ServiceSDORx     uint16 = 0x600
	ServiceHeartbeat uint16 = 0x700
	ServiceLSSSlave  uint16 = 0x7E4
	ServiceLSSMaster uint16 = 0x7E5
)
