package telemetry

// Classify reports a reading's warning level from its sensor name and
// processed value, grounded on set_sensor_warning's switch over
// name[0..4]. Only the PT- family carries thresholds in the original;
// every other prefix (E-TC, E-RTD, LC-) is matched but never sets
// sd->warning, so it stays WarningOK here too.
func Classify(name string, value float64) Warning {
	if name == "" {
		return WarningOK
	}
	rounded := uint64(value + 0.5)

	switch {
	case hasPrefix(name, "PT-M1"), hasPrefix(name, "PT-M2"),
		hasPrefix(name, "PT-C"), hasPrefix(name, "PT-E"),
		hasPrefix(name, "PT-D"), hasPrefix(name, "PT-L"):
		return thresholdWarning(rounded, 51, 65, 100)
	case hasPrefix(name, "PT-P"), hasPrefix(name, "PT-F"):
		return thresholdWarning(rounded, 190, 200, 300)
	default:
		return WarningOK
	}
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// thresholdWarning mirrors set_sensor_warning's if/else-if chain
// exactly, including its lack of a final else: a value past the
// critical ceiling falls through every branch and keeps the
// zero-initialized default, WarningOK, rather than escalating further.
func thresholdWarning(value uint64, ok, warn, critical uint64) Warning {
	switch {
	case value <= ok:
		return WarningOK
	case value <= warn:
		return WarningWarn
	case value <= critical:
		return WarningCritical
	default:
		return WarningOK
	}
}
