package app

var SealDurable = sealDurable
