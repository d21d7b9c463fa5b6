package capability

// Default returns the built-in capability table. Deployments extend or
// override it with the capabilities section of the config file or a
// separate capability file (see [LoadFile]).
func Default() *Map {
	all := []DeviceType{Desktop, Android, IOS, SmartTV, SmartSpeaker, IoTDevice}
	mobile := []DeviceType{Android, IOS}

	return MustMap(map[string][]DeviceType{
		// Host automation.
		"executeTerminalCommand": {Desktop},
		"readFile":               {Desktop},
		"writeFile":              {Desktop},
		"openApplication":        {Desktop, Android},
		"takeScreenshot":         {Desktop, Android, IOS},
		"setClipboard":           {Desktop, Android, IOS},

		// Phone features. Desktop can reach Android over ADB.
		"readAndroidNotifications": {Desktop, Android},
		"sendSMS":                  {Android},
		"makePhoneCall":            mobile,
		"getLocation":              mobile,
		"sendPushNotification":     mobile,

		// Media and presence.
		"castMedia":     {SmartTV},
		"setVolume":     {Desktop, Android, IOS, SmartTV, SmartSpeaker},
		"playAudio":     {Desktop, Android, IOS, SmartTV, SmartSpeaker},
		"speak":         {Desktop, Android, IOS, SmartSpeaker},
		"readSensor":    {IoTDevice},
		"toggleRelay":   {IoTDevice},
		"getDeviceInfo": all,
		"ping":          all,
	})
}
