package shared

const Version = "0.3.1"
