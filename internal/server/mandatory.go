package server

import (
	"github.com/nymea/libnymea-bluetoothserver/internal/gatt"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/sysinfo"
)

// mandatoryServices builds the Device Information, Generic Access and
// Generic Attribute services every BLE peripheral is expected to carry.
func (s *Server) mandatoryServices() []gatt.Service {
	return []gatt.Service{
		s.deviceInformationService(),
		s.genericAccessService(),
		s.genericAttributeService(),
	}
}

// serialNumber resolves the Serial Number string: an explicit config
// value wins, otherwise the machine id reformatted as a hyphenated UUID.
func (s *Server) serialNumber() string {
	if s.cfg.DeviceInfo.SerialNumber != "" {
		return s.cfg.DeviceInfo.SerialNumber
	}
	serial, err := sysinfo.SerialNumber(s.cfg.MachineIDPath)
	if err != nil {
		s.logger.Warn("could not derive serial number from machine id", logging.KeyError, err)
		return "-"
	}
	return serial
}

func (s *Server) deviceInformationService() gatt.Service {
	info := s.cfg.DeviceInfo
	readString := func(short uint16, value string) gatt.Characteristic {
		return gatt.Characteristic{
			UUID:       gatt.UUID16(short),
			Properties: gatt.PropertyRead,
			Value:      []byte(value),
			MaxLen:     64,
		}
	}

	return gatt.Service{
		UUID: gatt.UUID16(gatt.ServiceDeviceInformation),
		Characteristics: []gatt.Characteristic{
			readString(gatt.CharacteristicModelNumberString, info.ModelNumber),
			readString(gatt.CharacteristicSerialNumberString, s.serialNumber()),
			readString(gatt.CharacteristicFirmwareRevisionString, info.FirmwareRevision),
			readString(gatt.CharacteristicHardwareRevisionString, info.HardwareRevision),
			readString(gatt.CharacteristicSoftwareRevisionString, info.SoftwareRevision),
			readString(gatt.CharacteristicManufacturerNameString, info.ManufacturerName),
		},
	}
}

func (s *Server) genericAccessService() gatt.Service {
	return gatt.Service{
		UUID: gatt.UUID16(gatt.ServiceGenericAccess),
		Characteristics: []gatt.Characteristic{
			{
				UUID:       gatt.UUID16(gatt.CharacteristicDeviceName),
				Properties: gatt.PropertyRead,
				Value:      []byte(s.advertiseName()),
				MaxLen:     64,
			},
			{
				UUID:       gatt.UUID16(gatt.CharacteristicAppearance),
				Properties: gatt.PropertyRead,
				Value:      []byte{0x00, 0x00, 0x00, 0x00},
				MaxLen:     4,
			},
			{
				UUID:       gatt.UUID16(gatt.CharacteristicPeripheralPrivacyFlag),
				Properties: gatt.PropertyRead | gatt.PropertyWrite,
				Value:      []byte{0x00, 0x00},
				MaxLen:     2,
			},
			{
				UUID:       gatt.UUID16(gatt.CharacteristicReconnectionAddress),
				Properties: gatt.PropertyWrite,
				Value:      []byte{},
				MaxLen:     6,
			},
		},
	}
}

func (s *Server) genericAttributeService() gatt.Service {
	return gatt.Service{
		UUID: gatt.UUID16(gatt.ServiceGenericAttribute),
		Characteristics: []gatt.Characteristic{
			{
				UUID:       gatt.UUID16(gatt.CharacteristicServiceChanged),
				Properties: gatt.PropertyIndicate,
				CCCD:       true,
				MaxLen:     4,
			},
		},
	}
}
