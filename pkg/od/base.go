package od

// Default returns a minimal CiA 301 object dictionary carrying the
// mandatory communication objects plus one RPDO, one TPDO and one SRDO
// slot, built directly with the same AddVariableType/AddRPDO/AddTPDO/
// AddSRDO helpers a hand-authored EDS would ultimately resolve to. Useful
// for tests and for bootstrapping a node before a real EDS is loaded.
func Default() *ObjectDictionary {
	defaultOd := NewOD()

	defaultOd.AddVariableType(EntryDeviceType, "Device type", UNSIGNED32, AttributeSdoR, "0x0")
	defaultOd.AddVariableType(EntryErrorRegister, "Error register", UNSIGNED8, AttributeSdoR, "0x0")
	defaultOd.AddVariableType(EntryProducerHeartbeatTime, "Producer heartbeat time", UNSIGNED16, AttributeSdoRw, "0x0")

	identity := NewRecord()
	identity.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x4")
	identity.AddSubObject(1, "Vendor-ID", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(2, "Product code", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(3, "Revision number", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(4, "Serial number", UNSIGNED32, AttributeSdoR, "0x0")
	defaultOd.AddVariableList(EntryIdentityObject, "Identity object", identity)

	defaultOd.AddSYNC()
	_ = defaultOd.AddRPDO(1)
	_ = defaultOd.AddTPDO(1)
	_ = defaultOd.AddSRDO(1)

	return defaultOd
}
